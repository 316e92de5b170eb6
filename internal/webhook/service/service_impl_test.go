package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"github.com/smallbiznis/creditline/internal/webhook/repository"
	"github.com/smallbiznis/creditline/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const orgID snowflake.ID = 4242

type captured struct {
	header http.Header
	body   []byte
}

type receiver struct {
	server *httptest.Server
	status atomic.Int32
	mu     sync.Mutex
	calls  []captured
}

func newReceiver(t *testing.T) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(http.StatusOK)
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.calls = append(r.calls, captured{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *receiver) last() captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type fakeQueue struct {
	mu   sync.Mutex
	ids  []snowflake.ID
	full bool
}

func (q *fakeQueue) Enqueue(id snowflake.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

func setupService(t *testing.T, clk clock.Clock, queue webhookdomain.Enqueuer, webhookCfg config.WebhookConfig) *Service {
	t.Helper()

	conn := dbtest.Open(t, &webhookdomain.Endpoint{}, &webhookdomain.Delivery{})
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	return NewService(Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   repository.Provide(),
		Config: config.Config{Webhook: webhookCfg},
		Clock:  clk,
		Queue:  queue,
	}).(*Service)
}

func defaultWebhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Timeout:     2 * time.Second,
		MaxAttempts: 5,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
	}
}

func newClock() *clock.FakeClock {
	return clock.NewFakeClock(time.Date(2026, time.May, 4, 12, 0, 0, 0, time.UTC))
}

func lowEvent(id string) webhookdomain.Event {
	return webhookdomain.Event{
		ID:    id,
		Name:  webhookdomain.EventCreditsLow,
		OrgID: orgID,
		Data:  map[string]any{"balance": 3},
	}
}

func TestDispatchFansOutToSubscribers(t *testing.T) {
	ctx := context.Background()
	queue := &fakeQueue{}
	svc := setupService(t, newClock(), queue, defaultWebhookConfig())

	subscribed, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{
		OrgID: orgID, URL: "https://hooks.example.com/a", Events: []string{webhookdomain.EventCreditsLow},
	})
	require.NoError(t, err)
	wildcard, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{
		OrgID: orgID, URL: "https://hooks.example.com/b", Events: []string{"*"},
	})
	require.NoError(t, err)
	_, err = svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{
		OrgID: orgID, URL: "https://hooks.example.com/c", Events: []string{webhookdomain.EventScanFailed},
	})
	require.NoError(t, err)
	disabled, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{
		OrgID: orgID, URL: "https://hooks.example.com/d", Events: []string{"*"},
	})
	require.NoError(t, err)
	require.NoError(t, svc.DisableEndpoint(ctx, orgID, disabled.ID))
	_, err = svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{
		OrgID: orgID + 1, URL: "https://hooks.example.com/e", Events: []string{"*"},
	})
	require.NoError(t, err)

	created, err := svc.Dispatch(ctx, lowEvent("evt-1"))
	require.NoError(t, err)
	require.Len(t, created, 2)

	endpoints := []snowflake.ID{created[0].EndpointID, created[1].EndpointID}
	assert.ElementsMatch(t, []snowflake.ID{subscribed.ID, wildcard.ID}, endpoints)
	for _, d := range created {
		assert.Equal(t, webhookdomain.DeliveryPending, d.Status)
		assert.Equal(t, 5, d.MaxAttempts)
		assert.Equal(t, webhookdomain.EventCreditsLow, d.Payload["event"])
	}
	assert.Len(t, queue.ids, 2)

	again, err := svc.Dispatch(ctx, lowEvent("evt-1"))
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, queue.ids, 2)
}

func TestDispatchRejectsUnknownEvent(t *testing.T) {
	svc := setupService(t, newClock(), nil, defaultWebhookConfig())

	_, err := svc.Dispatch(context.Background(), webhookdomain.Event{ID: "x", Name: "credits.unknown", OrgID: orgID})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvent)
	_, err = svc.Dispatch(context.Background(), webhookdomain.Event{Name: webhookdomain.EventCreditsLow, OrgID: orgID})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvent)
}

func TestRegisterEndpointValidation(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, newClock(), nil, defaultWebhookConfig())

	_, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{OrgID: orgID, URL: "ftp://x", Events: []string{"*"}})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidURL)
	_, err = svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{OrgID: orgID, URL: "https://x.test", Events: []string{"nope"}})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvents)
	_, err = svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{OrgID: orgID, URL: "https://x.test"})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvents)

	ep, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{OrgID: orgID, URL: "https://x.test", Events: []string{"*", "*"}})
	require.NoError(t, err)
	assert.NotEmpty(t, ep.Secret)
	assert.Len(t, ep.Events, 1)

	assert.ErrorIs(t, svc.DisableEndpoint(ctx, orgID+9, ep.ID), webhookdomain.ErrEndpointNotFound)

	list, err := svc.ListEndpoints(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ep.ID, list[0].ID)
}

func TestAttemptDeliversSignedPayload(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	recv := newReceiver(t)
	svc := setupService(t, clk, nil, defaultWebhookConfig())

	ep, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{
		OrgID: orgID, URL: recv.server.URL, Events: []string{"*"}, Secret: "top-secret",
	})
	require.NoError(t, err)
	created, err := svc.Dispatch(ctx, lowEvent("evt-ok"))
	require.NoError(t, err)
	require.Len(t, created, 1)

	delivery, err := svc.Attempt(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliverySuccess, delivery.Status)
	assert.Equal(t, 1, delivery.Attempts)
	require.NotNil(t, delivery.ResponseStatus)
	assert.Equal(t, http.StatusOK, *delivery.ResponseStatus)
	assert.Equal(t, `{"ok":true}`, delivery.ResponseBody)
	require.NotNil(t, delivery.DeliveredAt)
	assert.Nil(t, delivery.NextRetryAt)

	call := recv.last()
	assert.Equal(t, "application/json", call.header.Get("Content-Type"))
	assert.Equal(t, webhookdomain.EventCreditsLow, call.header.Get("X-Webhook-Event"))
	assert.Equal(t, created[0].ID.String(), call.header.Get("X-Webhook-Delivery"))
	ts, err := strconv.ParseInt(call.header.Get("X-Webhook-Timestamp"), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Unix(), ts)
	assert.True(t, Verify(ep.Secret, ts, call.body, call.header.Get("X-Webhook-Signature")))

	var body webhookdomain.Body
	require.NoError(t, json.Unmarshal(call.body, &body))
	assert.Equal(t, webhookdomain.EventCreditsLow, body.Event)
	assert.Equal(t, "2026-05-04T12:00:00Z", body.Timestamp)
	assert.EqualValues(t, 3, body.Data["balance"])

	_, err = svc.Attempt(ctx, created[0].ID)
	assert.ErrorIs(t, err, webhookdomain.ErrDeliveryNotDue)
	assert.Equal(t, 1, recv.count())
}

func TestRetryStateMachine(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	recv := newReceiver(t)
	recv.status.Store(http.StatusInternalServerError)
	svc := setupService(t, clk, nil, defaultWebhookConfig())

	_, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{
		OrgID: orgID, URL: recv.server.URL, Events: []string{"*"},
	})
	require.NoError(t, err)
	created, err := svc.Dispatch(ctx, lowEvent("evt-retry"))
	require.NoError(t, err)
	id := created[0].ID

	expected := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, wait := range expected {
		delivery, err := svc.Attempt(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, webhookdomain.DeliveryPending, delivery.Status)
		assert.Equal(t, i+1, delivery.Attempts)
		require.NotNil(t, delivery.ResponseStatus)
		assert.Equal(t, http.StatusInternalServerError, *delivery.ResponseStatus)
		require.NotNil(t, delivery.NextRetryAt)
		assert.Equal(t, clk.Now().Add(wait), delivery.NextRetryAt.UTC())

		_, err = svc.Attempt(ctx, id)
		require.ErrorIs(t, err, webhookdomain.ErrDeliveryNotDue)
		clk.Advance(wait)
	}

	delivery, err := svc.Attempt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliveryFailed, delivery.Status)
	assert.Equal(t, 5, delivery.Attempts)
	assert.Nil(t, delivery.NextRetryAt)
	assert.Contains(t, delivery.LastError, "500")

	clk.Advance(24 * time.Hour)
	n, err := svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 5, recv.count())

	recv.status.Store(http.StatusNoContent)
	rearmed, err := svc.ManualRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliveryPending, rearmed.Status)
	assert.Zero(t, rearmed.Attempts)

	n, err = svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final, err := svc.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliverySuccess, final.Status)
	assert.Equal(t, 1, final.Attempts)

	_, err = svc.ManualRetry(ctx, id)
	assert.ErrorIs(t, err, webhookdomain.ErrDeliveryNotFailed)
}

func TestTransportErrorIsRecorded(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	recv := newReceiver(t)
	url := recv.server.URL
	recv.server.Close()

	cfg := defaultWebhookConfig()
	cfg.MaxAttempts = 1
	svc := setupService(t, clk, nil, cfg)

	_, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{OrgID: orgID, URL: url, Events: []string{"*"}})
	require.NoError(t, err)
	created, err := svc.Dispatch(ctx, lowEvent("evt-down"))
	require.NoError(t, err)

	delivery, err := svc.Attempt(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliveryFailed, delivery.Status)
	assert.Nil(t, delivery.ResponseStatus)
	assert.NotEmpty(t, delivery.LastError)
}

func TestAttemptTimesOut(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	cfg := defaultWebhookConfig()
	cfg.Timeout = 50 * time.Millisecond
	svc := setupService(t, newClock(), nil, cfg)

	_, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{OrgID: orgID, URL: slow.URL, Events: []string{"*"}})
	require.NoError(t, err)
	created, err := svc.Dispatch(ctx, lowEvent("evt-slow"))
	require.NoError(t, err)

	delivery, err := svc.Attempt(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliveryPending, delivery.Status)
	assert.Equal(t, 1, delivery.Attempts)
	assert.NotEmpty(t, delivery.LastError)
}

func TestInactiveEndpointFailsDelivery(t *testing.T) {
	ctx := context.Background()
	recv := newReceiver(t)
	svc := setupService(t, newClock(), nil, defaultWebhookConfig())

	ep, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{OrgID: orgID, URL: recv.server.URL, Events: []string{"*"}})
	require.NoError(t, err)
	created, err := svc.Dispatch(ctx, lowEvent("evt-gone"))
	require.NoError(t, err)
	require.NoError(t, svc.DisableEndpoint(ctx, orgID, ep.ID))

	delivery, err := svc.Attempt(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliveryFailed, delivery.Status)
	assert.Zero(t, recv.count())
}

func TestRetryDueOnlyPicksDueRows(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	recv := newReceiver(t)
	svc := setupService(t, clk, &fakeQueue{full: true}, defaultWebhookConfig())

	_, err := svc.RegisterEndpoint(ctx, webhookdomain.RegisterEndpointRequest{OrgID: orgID, URL: recv.server.URL, Events: []string{"*"}})
	require.NoError(t, err)
	first, err := svc.Dispatch(ctx, lowEvent("evt-a"))
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, lowEvent("evt-b"))
	require.NoError(t, err)

	recv.status.Store(http.StatusBadGateway)
	_, err = svc.Attempt(ctx, first[0].ID)
	require.NoError(t, err)
	recv.status.Store(http.StatusOK)

	n, err := svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.Advance(time.Minute)
	n, err = svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, recv.count())
}

func TestBackoff(t *testing.T) {
	base, ceiling := time.Minute, time.Hour
	assert.Equal(t, time.Minute, Backoff(1, base, ceiling))
	assert.Equal(t, 2*time.Minute, Backoff(2, base, ceiling))
	assert.Equal(t, 32*time.Minute, Backoff(6, base, ceiling))
	assert.Equal(t, time.Hour, Backoff(7, base, ceiling))
	assert.Equal(t, time.Hour, Backoff(60, base, ceiling))
	assert.Equal(t, time.Minute, Backoff(0, base, ceiling))
}

func TestSignature(t *testing.T) {
	body := []byte(`{"event":"scan.started"}`)
	sig := Sign("s3cret", 1700000000, body)
	assert.True(t, Verify("s3cret", 1700000000, body, sig))
	assert.False(t, Verify("other", 1700000000, body, sig))
	assert.False(t, Verify("s3cret", 1700000001, body, sig))
	assert.False(t, Verify("s3cret", 1700000000, body, "deadbeef"))
}
