package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const replayBatchSize = 500

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) EnsureBalance(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, tier string, now time.Time) error {
	row := ledgerdomain.OrganizationBalance{
		OrgID:            orgID,
		SubscriptionTier: tier,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "org_id"}}, DoNothing: true}).
		Create(&row).Error
}

func (r *repo) LockBalance(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (*ledgerdomain.OrganizationBalance, error) {
	return findBalance(db.ForUpdate(conn.WithContext(ctx)), orgID)
}

func (r *repo) FindBalance(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (*ledgerdomain.OrganizationBalance, error) {
	return findBalance(conn.WithContext(ctx), orgID)
}

func findBalance(q *gorm.DB, orgID snowflake.ID) (*ledgerdomain.OrganizationBalance, error) {
	var balance ledgerdomain.OrganizationBalance
	err := q.Where("org_id = ?", orgID).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (r *repo) UpdateBalance(ctx context.Context, conn *gorm.DB, balance *ledgerdomain.OrganizationBalance) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE organization_balances
		 SET credit_balance = ?, overdraft_balance = ?, subscription_tier = ?, last_grant_period = ?, updated_at = ?
		 WHERE org_id = ?`,
		balance.CreditBalance,
		balance.OverdraftBalance,
		balance.SubscriptionTier,
		balance.LastGrantPeriod,
		balance.UpdatedAt,
		balance.OrgID,
	).Error
}

func (r *repo) ListGrantDue(ctx context.Context, conn *gorm.DB, periodStart time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).
		Model(&ledgerdomain.OrganizationBalance{}).
		Where("last_grant_period IS NULL OR last_grant_period < ?", periodStart).
		Order("org_id ASC").
		Limit(limit).
		Pluck("org_id", &ids).Error
	return ids, err
}

func (r *repo) LatestTransaction(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (*ledgerdomain.CreditTransaction, error) {
	var tx ledgerdomain.CreditTransaction
	err := conn.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("sequence DESC").
		Take(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) InsertTransaction(ctx context.Context, conn *gorm.DB, tx *ledgerdomain.CreditTransaction) error {
	return conn.WithContext(ctx).Create(tx).Error
}

func (r *repo) ListTransactions(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, limit int) ([]ledgerdomain.CreditTransaction, error) {
	var items []ledgerdomain.CreditTransaction
	err := conn.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("sequence DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) ReplayTransactions(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, fn func(ledgerdomain.CreditTransaction) error) error {
	var after int64
	for {
		var batch []ledgerdomain.CreditTransaction
		err := conn.WithContext(ctx).
			Where("org_id = ? AND sequence > ?", orgID, after).
			Order("sequence ASC").
			Limit(replayBatchSize).
			Find(&batch).Error
		if err != nil {
			return err
		}
		for _, item := range batch {
			if err := fn(item); err != nil {
				return err
			}
			after = item.Sequence
		}
		if len(batch) < replayBatchSize {
			return nil
		}
	}
}

func (r *repo) SumSince(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, since time.Time) (int64, int64, int64, error) {
	var row struct {
		Added int64
		Used  int64
		Count int64
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS added,
			COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS used,
			COUNT(*) AS count
		 FROM credit_transactions
		 WHERE org_id = ? AND created_at >= ?`,
		orgID,
		since,
	).Scan(&row).Error
	return row.Added, row.Used, row.Count, err
}
