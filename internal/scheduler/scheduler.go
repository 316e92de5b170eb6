package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/creditline/internal/budget/domain"
	"github.com/smallbiznis/creditline/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const lockReleaseTimeout = 5 * time.Second

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	BudgetSvc  budgetdomain.Service
	WebhookSvc webhookdomain.Service
	LedgerSvc  ledgerdomain.Service
	Locker     JobLocker                    `optional:"true"`
	Metrics    *obsmetrics.SchedulerMetrics `optional:"true"`
	Config     Config                       `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	budgetSvc  budgetdomain.Service
	webhookSvc webhookdomain.Service
	ledgerSvc  ledgerdomain.Service
	locker     JobLocker
	metrics    *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.BudgetSvc == nil || p.WebhookSvc == nil || p.LedgerSvc == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		budgetSvc:  p.BudgetSvc,
		webhookSvc: p.WebhookSvc,
		ledgerSvc:  p.LedgerSvc,
		locker:     p.Locker,
		metrics:    metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	release, ok := s.acquire(parent, name)
	if !ok {
		return nil
	}
	defer release()

	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick resumes the work
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// acquire takes the job lock when a locker is configured. A false result
// means the run is skipped.
func (s *Scheduler) acquire(ctx context.Context, name string) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	key := jobLockKey(name)
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.metrics.IncJobSkipped(name, obsmetrics.SchedulerSkipReasonLockErr)
		s.logger(ctx).Warn("scheduler.lock.failed",
			zap.String("job", name),
			zap.Error(err),
		)
		return nil, false
	}
	if !ok {
		s.metrics.IncJobSkipped(name, obsmetrics.SchedulerSkipReasonLockHeld)
		s.logger(ctx).Debug("scheduler.lock.held", zap.String("job", name))
		return nil, false
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.logger(ctx).Warn("scheduler.lock.release_failed",
				zap.String("job", name),
				zap.Error(err),
			)
		}
	}, true
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobResetMonthlyBudgets, s.isJobEnabled(JobResetMonthlyBudgets), func(ctx context.Context) error {
			return s.runJob(ctx, JobResetMonthlyBudgets, s.cfg.BatchSize, s.cfg.JobTimeout, s.ResetMonthlyBudgetsJob)
		}},
		{JobGrantSubscriptionCredit, s.isJobEnabled(JobGrantSubscriptionCredit), func(ctx context.Context) error {
			return s.runJob(ctx, JobGrantSubscriptionCredit, s.cfg.BatchSize, s.cfg.JobTimeout, s.GrantSubscriptionCreditsJob)
		}},
		{JobWebhookRetrySweep, s.isJobEnabled(JobWebhookRetrySweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobWebhookRetrySweep, s.cfg.BatchSize, s.cfg.JobTimeout, s.WebhookRetrySweepJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if runLag := time.Since(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty selection runs every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// ResetMonthlyBudgetsJob zeroes usage on every budget still in a past period.
func (s *Scheduler) ResetMonthlyBudgetsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobResetMonthlyBudgets, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	count, err := s.budgetSvc.ResetMonthlyBudgets(ctx)
	run.AddProcessed(count)
	s.metrics.AddBatchProcessed(JobResetMonthlyBudgets, obsmetrics.ResourceBudgets, count)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.budget.reset_failed", JobResetMonthlyBudgets, 0, err)
		return err
	}
	return nil
}

// GrantSubscriptionCreditsJob credits each tier's monthly grant for the
// current period. Grants are idempotent per period, so overlapping runs
// and restarts cannot double-credit.
func (s *Scheduler) GrantSubscriptionCreditsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobGrantSubscriptionCredit, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	periodStart := budgetdomain.StartOfMonth(s.clock.Now())
	var errs []error
	for page := 0; page < s.cfg.MaxSweepBatches; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		orgIDs, err := s.ledgerSvc.ListGrantDue(ctx, periodStart, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.grant.list_failed", JobGrantSubscriptionCredit, 0, err)
			return errors.Join(append(errs, err)...)
		}

		failed := 0
		for _, orgID := range orgIDs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := s.ledgerSvc.GrantMonthlyCredits(ctx, orgID, periodStart); err != nil {
				failed++
				s.logSchedulerError(ctx, run, "scheduler.grant.failed", JobGrantSubscriptionCredit, orgID, err,
					zap.String("period", periodStart.Format("2006-01")),
				)
				errs = append(errs, fmt.Errorf("org %s: %w", orgID, err))
				continue
			}
			run.AddProcessed(1)
		}
		s.metrics.AddBatchProcessed(JobGrantSubscriptionCredit, obsmetrics.ResourceBalances, len(orgIDs)-failed)

		// failed orgs stay due and would come back on the next page
		if failed > 0 || len(orgIDs) < s.cfg.BatchSize {
			break
		}
	}
	return errors.Join(errs...)
}

// WebhookRetrySweepJob re-attempts deliveries whose retry time has passed.
// It is the safety net for sends the in-process queue dropped or lost to a
// restart.
func (s *Scheduler) WebhookRetrySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobWebhookRetrySweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for page := 0; page < s.cfg.MaxSweepBatches; page++ {
		attempted, err := s.webhookSvc.RetryDue(ctx, s.cfg.BatchSize)
		run.AddProcessed(attempted)
		s.metrics.AddBatchProcessed(JobWebhookRetrySweep, obsmetrics.ResourceDeliveries, attempted)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.webhook.sweep_failed", JobWebhookRetrySweep, 0, err)
			return err
		}
		if attempted < s.cfg.BatchSize {
			break
		}
	}
	return nil
}
