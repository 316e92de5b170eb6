package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// EnsureBalance inserts a zero balance row unless one exists.
	EnsureBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID, tier string, now time.Time) error
	// LockBalance reads the balance row under an exclusive row lock. It
	// returns nil when the row does not exist.
	LockBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*OrganizationBalance, error)
	FindBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*OrganizationBalance, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, balance *OrganizationBalance) error
	ListGrantDue(ctx context.Context, db *gorm.DB, periodStart time.Time, limit int) ([]snowflake.ID, error)

	LatestTransaction(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*CreditTransaction, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *CreditTransaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]CreditTransaction, error)
	// ReplayTransactions streams transactions in insertion order.
	ReplayTransactions(ctx context.Context, db *gorm.DB, orgID snowflake.ID, fn func(CreditTransaction) error) error
	SumSince(ctx context.Context, db *gorm.DB, orgID snowflake.ID, since time.Time) (added, used, count int64, err error)
}
