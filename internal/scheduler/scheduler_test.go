package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	budgetdomain "github.com/smallbiznis/creditline/internal/budget/domain"
	"github.com/smallbiznis/creditline/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type budgetMock struct {
	mock.Mock
	budgetdomain.Service
}

func (m *budgetMock) ResetMonthlyBudgets(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type ledgerMock struct {
	mock.Mock
	ledgerdomain.Service
}

func (m *ledgerMock) ListGrantDue(ctx context.Context, periodStart time.Time, limit int) ([]snowflake.ID, error) {
	args := m.Called(ctx, periodStart, limit)
	ids, _ := args.Get(0).([]snowflake.ID)
	return ids, args.Error(1)
}

func (m *ledgerMock) GrantMonthlyCredits(ctx context.Context, orgID snowflake.ID, periodStart time.Time) (*ledgerdomain.CreditTransaction, error) {
	args := m.Called(ctx, orgID, periodStart)
	tx, _ := args.Get(0).(*ledgerdomain.CreditTransaction)
	return tx, args.Error(1)
}

type webhookMock struct {
	mock.Mock
	webhookdomain.Service
}

func (m *webhookMock) RetryDue(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	tryErr   error
	released []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tryErr != nil {
		return "", false, l.tryErr
	}
	if ttl <= 0 {
		return "", false, errLockTTLInvalid
	}
	if l.held[key] {
		return "", false, nil
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	l.held[key] = true
	return "token-" + key, true, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != "token-"+key {
		return errors.New("token mismatch")
	}
	delete(l.held, key)
	l.released = append(l.released, key)
	return nil
}

type schedulerFixture struct {
	sched   *Scheduler
	budget  *budgetMock
	ledger  *ledgerMock
	webhook *webhookMock
	reg     *prometheus.Registry
	clock   *clock.FakeClock
}

func newFixture(t *testing.T, cfg Config, locker JobLocker) *schedulerFixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &schedulerFixture{
		budget:  &budgetMock{},
		ledger:  &ledgerMock{},
		webhook: &webhookMock{},
		reg:     prometheus.NewRegistry(),
		clock:   clock.NewFakeClock(time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC)),
	}
	f.sched, err = New(Params{
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      f.clock,
		BudgetSvc:  f.budget,
		WebhookSvc: f.webhook,
		LedgerSvc:  f.ledger,
		Locker:     locker,
		Metrics:    obsmetrics.NewSchedulerMetrics(f.reg, obsmetrics.Config{ServiceName: "creditline", Environment: "test"}),
		Config:     cfg,
	})
	require.NoError(t, err)
	return f
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			matched := 0
			for _, pair := range m.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

var march = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, nil)

	f.budget.On("ResetMonthlyBudgets", mock.Anything).Return(3, nil).Once()
	f.ledger.On("ListGrantDue", mock.Anything, march, 2).Return([]snowflake.ID{11}, nil).Once()
	f.ledger.On("GrantMonthlyCredits", mock.Anything, snowflake.ID(11), march).Return(&ledgerdomain.CreditTransaction{Amount: 100}, nil).Once()
	f.webhook.On("RetryDue", mock.Anything, 2).Return(1, nil).Once()

	require.NoError(t, f.sched.RunOnce(context.Background()))

	f.budget.AssertExpectations(t)
	f.ledger.AssertExpectations(t)
	f.webhook.AssertExpectations(t)

	for _, job := range []string{JobResetMonthlyBudgets, JobGrantSubscriptionCredit, JobWebhookRetrySweep} {
		assert.Equal(t, 1.0, metricValue(t, f.reg, "creditline_scheduler_job_runs_total", map[string]string{"job": job}), job)
	}
	assert.Equal(t, 3.0, metricValue(t, f.reg, "creditline_scheduler_batch_processed_total", map[string]string{
		"job": JobResetMonthlyBudgets, "resource": obsmetrics.ResourceBudgets,
	}))
	assert.Equal(t, 1.0, metricValue(t, f.reg, "creditline_scheduler_batch_processed_total", map[string]string{
		"job": JobWebhookRetrySweep, "resource": obsmetrics.ResourceDeliveries,
	}))
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{" Reset_Monthly_Budgets "}}, nil)

	f.budget.On("ResetMonthlyBudgets", mock.Anything).Return(0, nil).Once()

	require.NoError(t, f.sched.RunOnce(context.Background()))
	f.budget.AssertExpectations(t)
	f.ledger.AssertNotCalled(t, "ListGrantDue", mock.Anything, mock.Anything, mock.Anything)
	f.webhook.AssertNotCalled(t, "RetryDue", mock.Anything, mock.Anything)
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 5}, nil)
	resetErr := errors.New("reset exploded")
	sweepErr := errors.New("sweep exploded")

	f.budget.On("ResetMonthlyBudgets", mock.Anything).Return(0, resetErr).Once()
	f.ledger.On("ListGrantDue", mock.Anything, march, 5).Return([]snowflake.ID{}, nil).Once()
	f.webhook.On("RetryDue", mock.Anything, 5).Return(0, sweepErr).Once()

	err := f.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, resetErr)
	assert.ErrorIs(t, err, sweepErr)
	assert.Contains(t, err.Error(), JobResetMonthlyBudgets+": ")
	assert.Equal(t, 1.0, metricValue(t, f.reg, "creditline_scheduler_job_errors_total", map[string]string{"job": JobWebhookRetrySweep}))
}

func TestRunJobTreatsDeadlineAsSoftTimeout(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	err := f.sched.runJob(context.Background(), JobWebhookRetrySweep, 1, 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, metricValue(t, f.reg, "creditline_scheduler_job_timeouts_total", map[string]string{"job": JobWebhookRetrySweep}))
}

func TestRunJobUsesJobLock(t *testing.T) {
	locker := &fakeLocker{}
	f := newFixture(t, Config{}, locker)

	calls := 0
	require.NoError(t, f.sched.runJob(context.Background(), JobResetMonthlyBudgets, 1, time.Second, func(context.Context) error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{jobLockKey(JobResetMonthlyBudgets)}, locker.released)
	assert.Empty(t, locker.held)
}

func TestRunJobSkipsWhenLockHeld(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{jobLockKey(JobWebhookRetrySweep): true}}
	f := newFixture(t, Config{EnabledJobs: []string{JobWebhookRetrySweep}}, locker)

	require.NoError(t, f.sched.RunOnce(context.Background()))
	f.webhook.AssertNotCalled(t, "RetryDue", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, metricValue(t, f.reg, "creditline_scheduler_job_skipped_total", map[string]string{
		"job": JobWebhookRetrySweep, "reason": obsmetrics.SchedulerSkipReasonLockHeld,
	}))
	assert.Equal(t, 0.0, metricValue(t, f.reg, "creditline_scheduler_job_runs_total", map[string]string{"job": JobWebhookRetrySweep}))
}

func TestRunJobSkipsWhenLockErrors(t *testing.T) {
	locker := &fakeLocker{tryErr: errors.New("redis down")}
	f := newFixture(t, Config{EnabledJobs: []string{JobResetMonthlyBudgets}}, locker)

	require.NoError(t, f.sched.RunOnce(context.Background()))
	f.budget.AssertNotCalled(t, "ResetMonthlyBudgets", mock.Anything)
	assert.Equal(t, 1.0, metricValue(t, f.reg, "creditline_scheduler_job_skipped_total", map[string]string{
		"job": JobResetMonthlyBudgets, "reason": obsmetrics.SchedulerSkipReasonLockErr,
	}))
}

func TestWebhookRetrySweepPagesUntilShortBatch(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, nil)

	f.webhook.On("RetryDue", mock.Anything, 2).Return(2, nil).Twice()
	f.webhook.On("RetryDue", mock.Anything, 2).Return(1, nil).Once()

	require.NoError(t, f.sched.WebhookRetrySweepJob(context.Background()))
	f.webhook.AssertNumberOfCalls(t, "RetryDue", 3)
}

func TestWebhookRetrySweepStopsAtBatchCap(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 1, MaxSweepBatches: 3}, nil)

	f.webhook.On("RetryDue", mock.Anything, 1).Return(1, nil)

	require.NoError(t, f.sched.WebhookRetrySweepJob(context.Background()))
	f.webhook.AssertNumberOfCalls(t, "RetryDue", 3)
}

func TestGrantSubscriptionCreditsUsesCurrentPeriod(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, nil)
	f.clock.Set(time.Date(2026, time.April, 1, 0, 0, 5, 0, time.UTC))
	april := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)

	f.ledger.On("ListGrantDue", mock.Anything, april, 2).Return([]snowflake.ID{1, 2}, nil).Once()
	f.ledger.On("ListGrantDue", mock.Anything, april, 2).Return([]snowflake.ID{3}, nil).Once()
	f.ledger.On("GrantMonthlyCredits", mock.Anything, mock.Anything, april).Return(nil, nil).Times(3)

	require.NoError(t, f.sched.GrantSubscriptionCreditsJob(context.Background()))
	f.ledger.AssertExpectations(t)
	assert.Equal(t, 3.0, metricValue(t, f.reg, "creditline_scheduler_batch_processed_total", map[string]string{
		"job": JobGrantSubscriptionCredit, "resource": obsmetrics.ResourceBalances,
	}))
}

func TestGrantSubscriptionCreditsStopsPagingOnFailure(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, nil)
	grantErr := errors.New("ledger unavailable")

	f.ledger.On("ListGrantDue", mock.Anything, march, 2).Return([]snowflake.ID{1, 2}, nil).Once()
	f.ledger.On("GrantMonthlyCredits", mock.Anything, snowflake.ID(1), march).Return(nil, grantErr).Once()
	f.ledger.On("GrantMonthlyCredits", mock.Anything, snowflake.ID(2), march).Return(nil, nil).Once()

	err := f.sched.GrantSubscriptionCreditsJob(context.Background())
	require.ErrorIs(t, err, grantErr)
	f.ledger.AssertExpectations(t)
	f.ledger.AssertNumberOfCalls(t, "ListGrantDue", 1)
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{RunInterval: 10 * time.Millisecond, EnabledJobs: []string{JobResetMonthlyBudgets}}, nil)
	f.budget.On("ResetMonthlyBudgets", mock.Anything).Return(0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.RunForever(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return metricValue(t, f.reg, "creditline_scheduler_job_runs_total", map[string]string{"job": JobResetMonthlyBudgets}) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunForever did not return after cancel")
	}
}

func TestRedisLockerValidatesInput(t *testing.T) {
	var nilLocker *RedisLocker
	_, _, err := nilLocker.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, errLockClientMissing)
	assert.NoError(t, nilLocker.Release(context.Background(), "k", "t"))
	assert.Nil(t, NewRedisLocker(nil))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
}
