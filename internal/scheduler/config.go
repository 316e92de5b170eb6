package scheduler

import (
	"time"

	"github.com/smallbiznis/creditline/internal/config"
)

const (
	JobResetMonthlyBudgets     = "reset_monthly_budgets"
	JobWebhookRetrySweep       = "webhook_retry_sweep"
	JobGrantSubscriptionCredit = "grant_subscription_credits"
)

// Config controls scheduler intervals, batch sizes and job selection.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// EnabledJobs limits which jobs run; empty enables all of them.
	EnabledJobs []string
	// LockTTL bounds how long a replica may hold a job lock.
	LockTTL    time.Duration
	JobTimeout time.Duration
	// MaxSweepBatches caps RetryDue pages per sweep run.
	MaxSweepBatches int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		BatchSize:       100,
		LockTTL:         5 * time.Minute,
		JobTimeout:      30 * time.Second,
		MaxSweepBatches: 10,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MaxSweepBatches <= 0 {
		c.MaxSweepBatches = defaults.MaxSweepBatches
	}
	return c
}

// ProvideConfig maps the application configuration onto scheduler settings.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
		LockTTL:     cfg.Scheduler.LockTTL,
	}.withDefaults()
}
