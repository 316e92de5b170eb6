package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("transaction_type", "usage"),
		attribute.String("status", "blocked"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("transaction_type"), attrs[0].Key)
	assert.Equal(t, attribute.Key("status"), attrs[1].Key)
}

func TestMetricsRecordsDomainCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(Config{ServiceName: "creditline"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordCreditTransaction(ctx, "usage")
	m.RecordCreditTransaction(ctx, "usage")
	m.RecordInsufficientCredits(ctx, "free")
	m.RecordBudgetDecision(ctx, "blocked", "organization")
	m.RecordWebhookAttempt(ctx, "credits.low", "retry", 15*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]int64{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		sum, ok := md.Data.(metricdata.Sum[int64])
		if !ok {
			continue
		}
		for _, dp := range sum.DataPoints {
			sums[md.Name] += dp.Value
		}
	}
	assert.Equal(t, int64(2), sums["creditline_credit_transactions_total"])
	assert.Equal(t, int64(1), sums["creditline_insufficient_credits_total"])
	assert.Equal(t, int64(1), sums["creditline_budget_decisions_total"])
	assert.Equal(t, int64(1), sums["creditline_webhook_attempts_total"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCreditTransaction(context.Background(), "usage")
		m.RecordWebhookAttempt(context.Background(), "scan.started", "success", time.Millisecond)
	})
}
