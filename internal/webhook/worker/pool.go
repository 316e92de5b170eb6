// Package worker drives webhook deliveries from the in-process queue.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/config"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Queue is a bounded, non-blocking hand-off of delivery ids.
type Queue struct {
	ch chan snowflake.ID
}

func NewQueue(cfg config.Config) *Queue {
	size := cfg.Webhook.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{ch: make(chan snowflake.ID, size)}
}

func (q *Queue) Enqueue(id snowflake.ID) bool {
	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

type Pool struct {
	queue   *Queue
	svc     webhookdomain.Service
	log     *zap.Logger
	limiter *rate.Limiter
	workers int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(queue *Queue, svc webhookdomain.Service, cfg config.Config, log *zap.Logger) *Pool {
	workers := cfg.Webhook.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Webhook.RatePerSecond > 0 {
		burst := cfg.Webhook.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Webhook.RatePerSecond), burst)
	}
	return &Pool{
		queue:   queue,
		svc:     svc,
		log:     log.Named("webhook.worker"),
		limiter: limiter,
		workers: workers,
	}
}

func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.log.Info("webhook.worker.started", zap.Int("workers", p.workers))
}

// Stop cancels in-flight attempts and waits for workers to exit. Ids still
// queued remain pending in the database for the retry sweep.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("webhook.worker.stopped", zap.Int("abandoned", p.queue.Len()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue.ch:
			p.handle(ctx, worker, id)
		}
	}
}

func (p *Pool) handle(ctx context.Context, worker int, id snowflake.ID) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	_, err := p.svc.Attempt(ctx, id)
	switch {
	case err == nil, errors.Is(err, webhookdomain.ErrDeliveryNotDue):
	case errors.Is(err, context.Canceled):
	default:
		p.log.Error("webhook.worker.attempt_failed",
			zap.Int("worker", worker),
			zap.String("delivery_id", id.String()),
			zap.Error(err),
		)
	}
}

func registerPool(lc fx.Lifecycle, pool *Pool) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.Start()
			return nil
		},
		OnStop: pool.Stop,
	})
}
