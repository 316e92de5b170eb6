package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the domain instruments for ledger, budget and webhooks.
type Metrics struct {
	creditTransactions  metric.Int64Counter
	insufficientCredits metric.Int64Counter
	budgetDecisions     metric.Int64Counter
	webhookAttempts     metric.Int64Counter
	webhookLatency      metric.Float64Histogram
}

// NewProvider configures and registers the global meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New builds the domain instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditline"
	}
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(name)

	creditTransactions, err := meter.Int64Counter("creditline_credit_transactions_total",
		metric.WithDescription("Ledger transactions committed, by type."))
	if err != nil {
		return nil, err
	}
	insufficientCredits, err := meter.Int64Counter("creditline_insufficient_credits_total",
		metric.WithDescription("Deductions rejected for insufficient balance."))
	if err != nil {
		return nil, err
	}
	budgetDecisions, err := meter.Int64Counter("creditline_budget_decisions_total",
		metric.WithDescription("Combined budget checks, by resulting status."))
	if err != nil {
		return nil, err
	}
	webhookAttempts, err := meter.Int64Counter("creditline_webhook_attempts_total",
		metric.WithDescription("Webhook delivery attempts, by outcome."))
	if err != nil {
		return nil, err
	}
	webhookLatency, err := meter.Float64Histogram("creditline_webhook_attempt_duration_seconds",
		metric.WithDescription("Time spent on each outbound webhook request."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditTransactions:  creditTransactions,
		insufficientCredits: insufficientCredits,
		budgetDecisions:     budgetDecisions,
		webhookAttempts:     webhookAttempts,
		webhookLatency:      webhookLatency,
	}, nil
}

func (m *Metrics) RecordCreditTransaction(ctx context.Context, txType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("transaction_type", strings.TrimSpace(txType)))
	m.creditTransactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordInsufficientCredits(ctx context.Context, orgTier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("org_tier", strings.TrimSpace(orgTier)))
	m.insufficientCredits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordBudgetDecision(ctx context.Context, status, scope string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("scope", strings.TrimSpace(scope)),
	)
	m.budgetDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookAttempt counts one outbound attempt; outcome is success,
// retry or failed.
func (m *Metrics) RecordWebhookAttempt(ctx context.Context, event, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event", strings.TrimSpace(event)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.webhookLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"transaction_type": {},
	"org_tier":         {},
	"status":           {},
	"scope":            {},
	"event":            {},
	"outcome":          {},
	"reason":           {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
