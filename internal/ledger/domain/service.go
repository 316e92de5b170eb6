package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	AddCredits(ctx context.Context, orgID snowflake.ID, amount int64, txType TransactionType, description string, metadata map[string]any) (*CreditTransaction, error)
	// DeductCredits is the atomic guard for billable operations. It never
	// drives the balance below zero.
	DeductCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, actor *snowflake.ID, metadata map[string]any) (*CreditTransaction, error)
	RefundCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, metadata map[string]any) (*CreditTransaction, error)
	AddBonusCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, metadata map[string]any) (*CreditTransaction, error)
	AddSubscriptionCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, metadata map[string]any) (*CreditTransaction, error)
	PurchaseCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, metadata map[string]any) (*CreditTransaction, error)
	// AdjustCredits bypasses the insufficient-funds check and may leave the
	// balance negative.
	AdjustCredits(ctx context.Context, orgID snowflake.ID, signedAmount int64, description string, actor *snowflake.ID) (*CreditTransaction, error)

	// HasCredits is an unlocked read. A concurrent deduction can invalidate
	// the answer before the caller acts on it; DeductCredits remains the
	// only reliable guard.
	HasCredits(ctx context.Context, orgID snowflake.ID, amount int64) (bool, error)
	GetBalance(ctx context.Context, orgID snowflake.ID) (*OrganizationBalance, error)
	GetUsageStats(ctx context.Context, orgID snowflake.ID, period time.Duration) (*UsageStats, error)
	ListTransactions(ctx context.Context, orgID snowflake.ID, limit int) ([]CreditTransaction, error)
	VerifyLedger(ctx context.Context, orgID snowflake.ID) error

	SetSubscriptionTier(ctx context.Context, orgID snowflake.ID, tier string) (*OrganizationBalance, error)
	// GrantMonthlyCredits credits the tier grant once per period. It returns
	// a nil transaction when the period was already granted or the tier
	// grants nothing.
	GrantMonthlyCredits(ctx context.Context, orgID snowflake.ID, periodStart time.Time) (*CreditTransaction, error)
	ListGrantDue(ctx context.Context, periodStart time.Time, limit int) ([]snowflake.ID, error)
}

// BalanceObserver is notified after a ledger mutation commits.
type BalanceObserver interface {
	OnBalanceChanged(ctx context.Context, change BalanceChange)
}

var (
	ErrInvalidOrganization     = errors.New("invalid_organization")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidTransactionType  = errors.New("invalid_transaction_type")
	ErrInvalidPeriod           = errors.New("invalid_period")
	ErrInvalidTier             = errors.New("invalid_subscription_tier")
	ErrInsufficientCredits     = errors.New("insufficient_credits")
	ErrLedgerInvariantViolated = errors.New("ledger_invariant_violated")
)
