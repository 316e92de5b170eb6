package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/creditline/internal/budget/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() budgetdomain.Repository {
	return &repo{}
}

func (r *repo) EnsureBudget(ctx context.Context, conn *gorm.DB, b *budgetdomain.AIBudget) error {
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(b).Error
}

func (r *repo) FindBudget(ctx context.Context, conn *gorm.DB, orgID, userID snowflake.ID) (*budgetdomain.AIBudget, error) {
	return findBudget(conn.WithContext(ctx), orgID, userID)
}

func (r *repo) LockBudget(ctx context.Context, conn *gorm.DB, orgID, userID snowflake.ID) (*budgetdomain.AIBudget, error) {
	return findBudget(db.ForUpdate(conn.WithContext(ctx)), orgID, userID)
}

func findBudget(q *gorm.DB, orgID, userID snowflake.ID) (*budgetdomain.AIBudget, error) {
	var b budgetdomain.AIBudget
	err := q.Where("org_id = ? AND user_id = ?", orgID, userID).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *repo) UpdateBudget(ctx context.Context, conn *gorm.DB, b *budgetdomain.AIBudget) error {
	return conn.WithContext(ctx).
		Model(&budgetdomain.AIBudget{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{
			"monthly_limit":        b.MonthlyLimit,
			"warning_threshold":    b.WarningThreshold,
			"current_month_usage":  b.CurrentMonthUsage,
			"current_period_start": b.CurrentPeriodStart,
			"is_active":            b.IsActive,
			"allow_override":       b.AllowOverride,
			"updated_at":           b.UpdatedAt,
		}).Error
}

func (r *repo) ResetIfStale(ctx context.Context, conn *gorm.DB, id snowflake.ID, periodStart, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE ai_budgets
		 SET current_month_usage = 0, current_period_start = ?, updated_at = ?
		 WHERE id = ? AND (current_period_start IS NULL OR current_period_start < ?)`,
		periodStart, now, id, periodStart,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) LockStale(ctx context.Context, conn *gorm.DB, periodStart time.Time, limit int) ([]budgetdomain.AIBudget, error) {
	var items []budgetdomain.AIBudget
	err := db.ForUpdateSkipLocked(conn.WithContext(ctx)).
		Where("current_period_start IS NULL OR current_period_start < ?", periodStart).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) InsertUsageRecord(ctx context.Context, conn *gorm.DB, record *budgetdomain.UsageRecord) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
