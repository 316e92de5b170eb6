package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// EnsureBudget inserts b unless a budget for its scope already exists.
	EnsureBudget(ctx context.Context, db *gorm.DB, b *AIBudget) error
	FindBudget(ctx context.Context, db *gorm.DB, orgID, userID snowflake.ID) (*AIBudget, error)
	// LockBudget returns nil when the scope has no budget.
	LockBudget(ctx context.Context, db *gorm.DB, orgID, userID snowflake.ID) (*AIBudget, error)
	UpdateBudget(ctx context.Context, db *gorm.DB, b *AIBudget) error
	// ResetIfStale rolls a budget whose period predates periodStart. It
	// reports false when another writer already advanced it.
	ResetIfStale(ctx context.Context, db *gorm.DB, id snowflake.ID, periodStart, now time.Time) (bool, error)
	// LockStale locks up to limit stale budgets, skipping rows locked by
	// other workers.
	LockStale(ctx context.Context, db *gorm.DB, periodStart time.Time, limit int) ([]AIBudget, error)

	// InsertUsageRecord reports false when the idempotency key was already
	// recorded for the organization.
	InsertUsageRecord(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)
}
