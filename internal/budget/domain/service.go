package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Checks lazily create missing budgets with defaults and roll stale
	// periods before evaluating. They take no row locks; the verdict is
	// advisory until RecordUsage commits.
	CheckOrganizationBudget(ctx context.Context, orgID snowflake.ID) (CheckResult, error)
	CheckUserBudget(ctx context.Context, userID, orgID snowflake.ID) (CheckResult, error)
	// CheckCombinedBudget evaluates only the organization budget when userID
	// is zero.
	CheckCombinedBudget(ctx context.Context, userID, orgID snowflake.ID) (CheckResult, error)

	RecordUsage(ctx context.Context, input UsageInput) (*UsageOutcome, error)
	ResetMonthlyBudgets(ctx context.Context) (int, error)

	SetBudget(ctx context.Context, req UpsertBudgetRequest) (*AIBudget, error)
	GetBudget(ctx context.Context, orgID, userID snowflake.ID) (*AIBudget, error)
}

// UsageObserver is notified after RecordUsage commits, once per touched
// budget.
type UsageObserver interface {
	OnUsageRecorded(ctx context.Context, change UsageChange)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidCost         = errors.New("invalid_cost")
	ErrInvalidLimit        = errors.New("invalid_monthly_limit")
	ErrInvalidThreshold    = errors.New("invalid_warning_threshold")
	ErrBudgetNotFound      = errors.New("budget_not_found")
)
