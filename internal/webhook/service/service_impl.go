package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/smallbiznis/creditline/internal/observability/tracing"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxResponseBody = 4 << 10
	// leaseGrace keeps a claimed delivery out of the sweep while its send
	// is in flight.
	leaseGrace = 30 * time.Second

	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 5
	defaultBaseBackoff = time.Minute
	defaultMaxBackoff  = time.Hour
	defaultUserAgent   = "creditline-webhooks/1.0"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       webhookdomain.Repository
	Config     config.Config
	Clock      clock.Clock            `optional:"true"`
	Queue      webhookdomain.Enqueuer `optional:"true"`
	HTTPClient *http.Client           `optional:"true"`
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       webhookdomain.Repository
	cfg        config.WebhookConfig
	clock      clock.Clock
	queue      webhookdomain.Enqueuer
	client     *http.Client
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) webhookdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		cfg:        normalizeConfig(p.Config.Webhook),
		clock:      clk,
		queue:      p.Queue,
		client:     client,
		obsMetrics: p.ObsMetrics,
	}
}

func normalizeConfig(cfg config.WebhookConfig) config.WebhookConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return cfg
}

func (s *Service) RegisterEndpoint(ctx context.Context, req webhookdomain.RegisterEndpointRequest) (*webhookdomain.Endpoint, error) {
	if req.OrgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}
	target := strings.TrimSpace(req.URL)
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, webhookdomain.ErrInvalidURL
	}

	events := make([]string, 0, len(req.Events))
	seen := make(map[string]struct{}, len(req.Events))
	for _, name := range req.Events {
		name = strings.TrimSpace(name)
		if name != webhookdomain.EventWildcard && !webhookdomain.IsKnownEvent(name) {
			return nil, fmt.Errorf("%w: %q", webhookdomain.ErrInvalidEvents, name)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		events = append(events, name)
	}
	if len(events) == 0 {
		return nil, webhookdomain.ErrInvalidEvents
	}

	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	endpoint := &webhookdomain.Endpoint{
		ID:        s.genID.Generate(),
		OrgID:     req.OrgID,
		URL:       target,
		Events:    datatypes.NewJSONSlice(events),
		Secret:    secret,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertEndpoint(ctx, s.db, endpoint); err != nil {
		return nil, err
	}

	s.log.Info("webhook.endpoint.registered",
		zap.String("org_id", req.OrgID.String()),
		zap.String("endpoint_id", endpoint.ID.String()),
		zap.Strings("events", events),
	)
	return endpoint, nil
}

func (s *Service) DisableEndpoint(ctx context.Context, orgID, endpointID snowflake.ID) error {
	if orgID == 0 {
		return webhookdomain.ErrInvalidOrganization
	}
	ok, err := s.repo.DeactivateEndpoint(ctx, s.db, orgID, endpointID, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return webhookdomain.ErrEndpointNotFound
	}
	s.log.Info("webhook.endpoint.disabled",
		zap.String("org_id", orgID.String()),
		zap.String("endpoint_id", endpointID.String()),
	)
	return nil
}

func (s *Service) ListEndpoints(ctx context.Context, orgID snowflake.ID) ([]webhookdomain.Endpoint, error) {
	if orgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}
	return s.repo.ListEndpoints(ctx, s.db, orgID, false)
}

func (s *Service) Dispatch(ctx context.Context, event webhookdomain.Event) (_ []webhookdomain.Delivery, err error) {
	ctx, span := tracing.Start(ctx, "webhook.dispatch",
		attribute.String("event", event.Name),
	)
	defer func() { tracing.End(span, err) }()

	if event.OrgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}
	if strings.TrimSpace(event.ID) == "" || !webhookdomain.IsKnownEvent(event.Name) {
		return nil, webhookdomain.ErrInvalidEvent
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock.Now()
	}
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	payload := datatypes.JSONMap{
		"event":     event.Name,
		"timestamp": occurred.UTC().Format(time.RFC3339),
		"data":      data,
	}

	var created []webhookdomain.Delivery
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		endpoints, err := s.repo.ListEndpoints(ctx, tx, event.OrgID, true)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, endpoint := range endpoints {
			if !endpoint.Subscribes(event.Name) {
				continue
			}
			due := now
			delivery := webhookdomain.Delivery{
				ID:          s.genID.Generate(),
				EndpointID:  endpoint.ID,
				OrgID:       event.OrgID,
				EventID:     event.ID,
				Event:       event.Name,
				Payload:     payload,
				Status:      webhookdomain.DeliveryPending,
				MaxAttempts: s.cfg.MaxAttempts,
				NextRetryAt: &due,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			inserted, err := s.repo.InsertDelivery(ctx, tx, &delivery)
			if err != nil {
				return err
			}
			if inserted {
				created = append(created, delivery)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, delivery := range created {
		s.enqueue(delivery.ID)
	}
	s.log.Info("webhook.dispatched",
		zap.String("org_id", event.OrgID.String()),
		zap.String("event", event.Name),
		zap.String("event_id", event.ID),
		zap.Int("deliveries", len(created)),
	)
	return created, nil
}

// enqueue hands the delivery to the worker pool. A dropped id stays due and
// is picked up by the retry sweep.
func (s *Service) enqueue(id snowflake.ID) {
	if s.queue == nil {
		return
	}
	if !s.queue.Enqueue(id) {
		s.log.Warn("webhook.queue.full", zap.String("delivery_id", id.String()))
	}
}

func (s *Service) Attempt(ctx context.Context, deliveryID snowflake.ID) (_ *webhookdomain.Delivery, err error) {
	ctx, span := tracing.Start(ctx, "webhook.attempt")
	defer func() { tracing.End(span, err) }()

	delivery, endpoint, err := s.claim(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if endpoint == nil {
		return delivery, nil
	}

	started := s.clock.Now()
	status, body, sendErr := s.send(ctx, endpoint, delivery)
	elapsed := s.clock.Now().Sub(started)

	delivery, err = s.settle(ctx, deliveryID, status, body, sendErr)
	if err != nil {
		return nil, err
	}

	outcome := "retry"
	switch delivery.Status {
	case webhookdomain.DeliverySuccess:
		outcome = "success"
	case webhookdomain.DeliveryFailed:
		outcome = "failed"
	}
	s.obsMetrics.RecordWebhookAttempt(ctx, delivery.Event, outcome, elapsed)

	fields := []zap.Field{
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("endpoint_id", delivery.EndpointID.String()),
		zap.String("event", delivery.Event),
		zap.Int("attempts", delivery.Attempts),
		zap.Int("response_status", status),
		zap.String("outcome", outcome),
	}
	switch delivery.Status {
	case webhookdomain.DeliverySuccess:
		s.log.Info("webhook.delivery.succeeded", fields...)
	case webhookdomain.DeliveryFailed:
		s.log.Warn("webhook.delivery.failed", append(fields, zap.String("error", delivery.LastError))...)
	default:
		fields = append(fields, zap.String("error", delivery.LastError))
		if delivery.NextRetryAt != nil {
			fields = append(fields, zap.Time("next_retry_at", *delivery.NextRetryAt))
		}
		s.log.Info("webhook.delivery.retry_scheduled", fields...)
	}
	return delivery, nil
}

// claim leases a due delivery under its row lock. A nil endpoint means the
// delivery was settled without sending.
func (s *Service) claim(ctx context.Context, deliveryID snowflake.ID) (*webhookdomain.Delivery, *webhookdomain.Endpoint, error) {
	var (
		delivery *webhookdomain.Delivery
		endpoint *webhookdomain.Endpoint
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.repo.LockDelivery(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		if d == nil {
			return webhookdomain.ErrDeliveryNotFound
		}
		now := s.clock.Now()
		if !d.Due(now) {
			return webhookdomain.ErrDeliveryNotDue
		}

		ep, err := s.repo.FindEndpoint(ctx, tx, d.EndpointID)
		if err != nil {
			return err
		}
		if ep == nil || !ep.IsActive {
			d.Status = webhookdomain.DeliveryFailed
			d.LastError = "endpoint inactive"
			d.NextRetryAt = nil
			d.UpdatedAt = now
			delivery = d
			return s.repo.UpdateDelivery(ctx, tx, d)
		}

		lease := now.Add(s.cfg.Timeout + leaseGrace)
		d.NextRetryAt = &lease
		d.UpdatedAt = now
		if err := s.repo.UpdateDelivery(ctx, tx, d); err != nil {
			return err
		}
		delivery, endpoint = d, ep
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if endpoint == nil {
		s.log.Warn("webhook.delivery.endpoint_inactive",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("endpoint_id", delivery.EndpointID.String()),
		)
	}
	return delivery, endpoint, nil
}

// send POSTs the payload. It returns the response status (0 on transport
// failure), a truncated body and any transport or non-2xx error.
func (s *Service) send(ctx context.Context, endpoint *webhookdomain.Endpoint, delivery *webhookdomain.Delivery) (int, string, error) {
	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		return 0, "", fmt.Errorf("encode payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	timestamp := s.clock.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("X-Webhook-Event", delivery.Event)
	req.Header.Set("X-Webhook-Delivery", delivery.ID.String())
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Webhook-Signature", Sign(endpoint.Secret, timestamp, body))
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	respBody := string(raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, respBody, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if readErr != nil {
		s.log.Debug("webhook.response.read_failed",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Error(readErr),
		)
	}
	return resp.StatusCode, respBody, nil
}

// settle records the attempt outcome under the row lock.
func (s *Service) settle(ctx context.Context, deliveryID snowflake.ID, status int, body string, sendErr error) (*webhookdomain.Delivery, error) {
	var delivery *webhookdomain.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.repo.LockDelivery(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		if d == nil {
			return webhookdomain.ErrDeliveryNotFound
		}
		delivery = d
		if d.Status != webhookdomain.DeliveryPending {
			return nil
		}

		now := s.clock.Now()
		d.Attempts++
		d.UpdatedAt = now
		d.ResponseBody = body
		d.ResponseStatus = nil
		if status != 0 {
			code := status
			d.ResponseStatus = &code
		}

		switch {
		case sendErr == nil:
			d.Status = webhookdomain.DeliverySuccess
			d.LastError = ""
			d.NextRetryAt = nil
			d.DeliveredAt = &now
		case d.Attempts >= d.MaxAttempts:
			d.Status = webhookdomain.DeliveryFailed
			d.LastError = sendErr.Error()
			d.NextRetryAt = nil
		default:
			next := now.Add(Backoff(d.Attempts, s.cfg.BaseBackoff, s.cfg.MaxBackoff))
			d.LastError = sendErr.Error()
			d.NextRetryAt = &next
		}
		return s.repo.UpdateDelivery(ctx, tx, d)
	})
	return delivery, err
}

// Backoff returns base*2^(attempts-1), capped at ceiling.
func Backoff(attempts int, base, ceiling time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// RetryDue attempts up to limit due deliveries and returns how many were
// attempted.
func (s *Service) RetryDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ids, err = s.repo.ListDue(ctx, tx, s.clock.Now(), limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		attempted int
		errs      []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.Attempt(ctx, id); err != nil {
			if errors.Is(err, webhookdomain.ErrDeliveryNotDue) {
				continue
			}
			errs = append(errs, fmt.Errorf("delivery %s: %w", id, err))
			continue
		}
		attempted++
	}
	return attempted, errors.Join(errs...)
}

func (s *Service) ManualRetry(ctx context.Context, deliveryID snowflake.ID) (*webhookdomain.Delivery, error) {
	var delivery *webhookdomain.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.repo.LockDelivery(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		if d == nil {
			return webhookdomain.ErrDeliveryNotFound
		}
		if d.Status != webhookdomain.DeliveryFailed {
			return webhookdomain.ErrDeliveryNotFailed
		}
		now := s.clock.Now()
		d.Status = webhookdomain.DeliveryPending
		d.Attempts = 0
		d.LastError = ""
		d.NextRetryAt = &now
		d.UpdatedAt = now
		if err := s.repo.UpdateDelivery(ctx, tx, d); err != nil {
			return err
		}
		delivery = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.enqueue(delivery.ID)
	s.log.Info("webhook.delivery.rearmed",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("event", delivery.Event),
	)
	return delivery, nil
}

func (s *Service) GetDelivery(ctx context.Context, deliveryID snowflake.ID) (*webhookdomain.Delivery, error) {
	d, err := s.repo.FindDelivery(ctx, s.db, deliveryID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, webhookdomain.ErrDeliveryNotFound
	}
	return d, nil
}
