package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const DefaultWarningThreshold = 80

// OrganizationScope is the UserID of an organization-wide budget.
const OrganizationScope snowflake.ID = 0

// AIBudget is a monthly AI spend cap for an organization (UserID 0) or one
// of its users.
type AIBudget struct {
	ID                 snowflake.ID        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrgID              snowflake.ID        `gorm:"not null;uniqueIndex:ux_ai_budgets_scope,priority:1" json:"organization_id"`
	UserID             snowflake.ID        `gorm:"not null;uniqueIndex:ux_ai_budgets_scope,priority:2" json:"user_id"`
	MonthlyLimit       decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"monthly_limit"`
	WarningThreshold   int                 `gorm:"not null" json:"warning_threshold"`
	CurrentMonthUsage  decimal.Decimal     `gorm:"type:numeric(20,6);not null" json:"current_month_usage"`
	CurrentPeriodStart *time.Time          `gorm:"index" json:"current_period_start,omitempty"`
	IsActive           bool                `gorm:"not null" json:"is_active"`
	AllowOverride      bool                `gorm:"not null" json:"allow_override"`
	CreatedAt          time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"not null" json:"updated_at"`
}

func (AIBudget) TableName() string { return "ai_budgets" }

func (b AIBudget) Scope() Scope {
	if b.UserID == OrganizationScope {
		return ScopeOrganization
	}
	return ScopeUser
}

// UsageRecord deduplicates RecordUsage calls carrying an idempotency key.
type UsageRecord struct {
	ID             snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	OrgID          snowflake.ID    `gorm:"not null;uniqueIndex:ux_budget_usage_records_key,priority:1"`
	UserID         snowflake.ID    `gorm:"not null"`
	IdempotencyKey string          `gorm:"type:text;not null;uniqueIndex:ux_budget_usage_records_key,priority:2"`
	Cost           decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Category       string          `gorm:"type:text;not null"`
	CreatedAt      time.Time       `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "budget_usage_records" }

type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeUser         Scope = "user"
)

type CheckStatus string

const (
	StatusUnlimited              CheckStatus = "unlimited"
	StatusWithinBudget           CheckStatus = "within_budget"
	StatusAtWarning              CheckStatus = "at_warning"
	StatusOverBudgetWithOverride CheckStatus = "over_budget_with_override"
	StatusBlocked                CheckStatus = "blocked"
)

// severity orders statuses for combining scopes.
func (s CheckStatus) severity() int {
	switch s {
	case StatusBlocked:
		return 3
	case StatusOverBudgetWithOverride:
		return 2
	case StatusAtWarning:
		return 1
	default:
		return 0
	}
}

// CheckResult is a graded verdict over one budget snapshot.
type CheckResult struct {
	Status          CheckStatus      `json:"status"`
	Scope           Scope            `json:"scope"`
	CurrentUsage    decimal.Decimal  `json:"current_usage"`
	Limit           *decimal.Decimal `json:"limit,omitempty"`
	UsagePercentage decimal.Decimal  `json:"usage_percentage"`
	Message         string           `json:"message"`
}

// Allowed reports whether the operation may proceed without confirmation.
func (r CheckResult) Allowed() bool {
	switch r.Status {
	case StatusUnlimited, StatusWithinBudget, StatusAtWarning:
		return true
	default:
		return false
	}
}

func (r CheckResult) RequiresOverride() bool {
	return r.Status == StatusOverBudgetWithOverride
}

func (r CheckResult) OverBudget() bool {
	return r.Status == StatusOverBudgetWithOverride || r.Status == StatusBlocked
}

type UsageInput struct {
	OrgID          snowflake.ID
	UserID         snowflake.ID
	Cost           decimal.Decimal
	Category       string
	IdempotencyKey string
}

type UsageOutcome struct {
	Deduplicated bool
	Results      []CheckResult
}

// UsageChange is emitted for each scoped budget a usage record touched.
type UsageChange struct {
	Budget AIBudget
	Before CheckResult
	After  CheckResult
}

type UpsertBudgetRequest struct {
	OrgID            snowflake.ID
	UserID           snowflake.ID
	MonthlyLimit     *decimal.Decimal
	ClearLimit       bool
	WarningThreshold *int
	AllowOverride    *bool
	IsActive         *bool
}
