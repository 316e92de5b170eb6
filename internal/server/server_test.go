package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/observability"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type webhookMock struct {
	mock.Mock
	webhookdomain.Service
}

func (m *webhookMock) GetDelivery(ctx context.Context, id snowflake.ID) (*webhookdomain.Delivery, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(*webhookdomain.Delivery)
	return d, args.Error(1)
}

func (m *webhookMock) ManualRetry(ctx context.Context, id snowflake.ID) (*webhookdomain.Delivery, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(*webhookdomain.Delivery)
	return d, args.Error(1)
}

func newTestServer(t *testing.T, svc webhookdomain.Service) http.Handler {
	t.Helper()
	engine := NewEngine(observability.Config{Environment: "test"}, zap.NewNop())
	s := NewServer(Params{Engine: engine, Webhook: svc, Log: zap.NewNop()})
	s.RegisterRoutes()
	return engine
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Type
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(t, &webhookMock{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(t, &webhookMock{}), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRetryWebhookDelivery(t *testing.T) {
	svc := &webhookMock{}
	id := snowflake.ID(42)
	svc.On("ManualRetry", mock.Anything, id).Return(&webhookdomain.Delivery{
		ID:     id,
		Event:  webhookdomain.EventScanCompleted,
		Status: webhookdomain.DeliveryPending,
	}, nil).Once()

	rec := do(t, newTestServer(t, svc), http.MethodPost, "/internal/webhook-deliveries/42/retry")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Data struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "42", body.Data.ID)
	assert.Equal(t, string(webhookdomain.DeliveryPending), body.Data.Status)
	svc.AssertExpectations(t)
}

func TestRetryWebhookDeliveryErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"not found", webhookdomain.ErrDeliveryNotFound, http.StatusNotFound, "not_found"},
		{"not failed", webhookdomain.ErrDeliveryNotFailed, http.StatusConflict, "conflict"},
		{"internal", errors.New("db gone"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &webhookMock{}
			svc.On("ManualRetry", mock.Anything, snowflake.ID(7)).Return(nil, tc.err).Once()

			rec := do(t, newTestServer(t, svc), http.MethodPost, "/internal/webhook-deliveries/7/retry")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.kind, errorType(t, rec))
		})
	}
}

func TestRetryWebhookDeliveryRejectsBadID(t *testing.T) {
	svc := &webhookMock{}
	rec := do(t, newTestServer(t, svc), http.MethodPost, "/internal/webhook-deliveries/abc/retry")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorType(t, rec))
	svc.AssertNotCalled(t, "ManualRetry", mock.Anything, mock.Anything)
}

func TestGetWebhookDelivery(t *testing.T) {
	svc := &webhookMock{}
	svc.On("GetDelivery", mock.Anything, snowflake.ID(9)).Return(&webhookdomain.Delivery{ID: 9, Attempts: 3}, nil).Once()
	svc.On("GetDelivery", mock.Anything, snowflake.ID(10)).Return(nil, webhookdomain.ErrDeliveryNotFound).Once()

	h := newTestServer(t, svc)
	rec := do(t, h, http.MethodGet, "/internal/webhook-deliveries/9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"attempts":3`)

	rec = do(t, h, http.MethodGet, "/internal/webhook-deliveries/10")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
