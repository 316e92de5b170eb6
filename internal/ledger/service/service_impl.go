package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/smallbiznis/creditline/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Clock      clock.Clock                  `optional:"true"`
	Tiers      config.TierProvider          `optional:"true"`
	Observer   ledgerdomain.BalanceObserver `optional:"true"`
	ObsMetrics *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	clock      clock.Clock
	tiers      config.TierProvider
	observer   ledgerdomain.BalanceObserver
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	tiers := p.Tiers
	if tiers == nil {
		tiers = config.StaticTierProvider(config.DefaultTierConfig())
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		tiers:      tiers,
		observer:   p.Observer,
		obsMetrics: p.ObsMetrics,
	}
}

// mutation is one balance change applied under the org's row lock.
type mutation struct {
	orgID       snowflake.ID
	txType      ledgerdomain.TransactionType
	delta       int64
	description string
	actor       *snowflake.ID
	metadata    map[string]any
	// guarded mutations fail with ErrInsufficientCredits instead of going
	// below zero.
	guarded bool
	// createMissing lazily creates the balance row.
	createMissing bool
}

func (s *Service) AddCredits(ctx context.Context, orgID snowflake.ID, amount int64, txType ledgerdomain.TransactionType, description string, metadata map[string]any) (*ledgerdomain.CreditTransaction, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if !txType.IsCreditType() {
		return nil, ledgerdomain.ErrInvalidTransactionType
	}
	return s.apply(ctx, mutation{
		orgID:         orgID,
		txType:        txType,
		delta:         amount,
		description:   description,
		metadata:      metadata,
		createMissing: true,
	})
}

func (s *Service) DeductCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, actor *snowflake.ID, metadata map[string]any) (*ledgerdomain.CreditTransaction, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	return s.apply(ctx, mutation{
		orgID:       orgID,
		txType:      ledgerdomain.TransactionTypeUsage,
		delta:       -amount,
		description: description,
		actor:       actor,
		metadata:    metadata,
		guarded:     true,
	})
}

func (s *Service) RefundCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, metadata map[string]any) (*ledgerdomain.CreditTransaction, error) {
	return s.AddCredits(ctx, orgID, amount, ledgerdomain.TransactionTypeRefund, description, metadata)
}

func (s *Service) AddBonusCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, metadata map[string]any) (*ledgerdomain.CreditTransaction, error) {
	return s.AddCredits(ctx, orgID, amount, ledgerdomain.TransactionTypeBonus, description, metadata)
}

func (s *Service) AddSubscriptionCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, metadata map[string]any) (*ledgerdomain.CreditTransaction, error) {
	return s.AddCredits(ctx, orgID, amount, ledgerdomain.TransactionTypeSubscriptionCredit, description, metadata)
}

func (s *Service) PurchaseCredits(ctx context.Context, orgID snowflake.ID, amount int64, description string, metadata map[string]any) (*ledgerdomain.CreditTransaction, error) {
	return s.AddCredits(ctx, orgID, amount, ledgerdomain.TransactionTypePurchase, description, metadata)
}

func (s *Service) AdjustCredits(ctx context.Context, orgID snowflake.ID, signedAmount int64, description string, actor *snowflake.ID) (*ledgerdomain.CreditTransaction, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if signedAmount == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	return s.apply(ctx, mutation{
		orgID:         orgID,
		txType:        ledgerdomain.TransactionTypeAdjustment,
		delta:         signedAmount,
		description:   description,
		actor:         actor,
		createMissing: true,
	})
}

func (s *Service) apply(ctx context.Context, m mutation) (_ *ledgerdomain.CreditTransaction, err error) {
	ctx, span := tracing.Start(ctx, "ledger.apply",
		attribute.String("transaction_type", string(m.txType)),
	)
	defer func() { tracing.End(span, err) }()

	var (
		created  *ledgerdomain.CreditTransaction
		previous int64
		tier     string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if m.createMissing {
			if err := s.repo.EnsureBalance(ctx, tx, m.orgID, s.tiers.Get().DefaultTier, now); err != nil {
				return err
			}
		}

		balance, err := s.repo.LockBalance(ctx, tx, m.orgID)
		if err != nil {
			return err
		}
		if balance == nil {
			// only guarded deductions skip lazy creation; no row means zero
			tier = s.tiers.Get().DefaultTier
			return ledgerdomain.ErrInsufficientCredits
		}
		tier = balance.SubscriptionTier

		latest, err := s.repo.LatestTransaction(ctx, tx, m.orgID)
		if err != nil {
			return err
		}
		if err := s.checkHead(m.orgID, balance, latest); err != nil {
			return err
		}

		previous = balance.CreditBalance
		next := previous + m.delta
		if m.guarded && next < 0 {
			return ledgerdomain.ErrInsufficientCredits
		}

		var sequence int64 = 1
		if latest != nil {
			sequence = latest.Sequence + 1
		}

		entry := &ledgerdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			OrgID:        m.orgID,
			Sequence:     sequence,
			UserID:       m.actor,
			Type:         m.txType,
			Amount:       m.delta,
			BalanceAfter: next,
			Description:  strings.TrimSpace(m.description),
			CreatedAt:    now,
		}
		if len(m.metadata) > 0 {
			entry.Metadata = datatypes.JSONMap(m.metadata)
		}

		balance.CreditBalance = next
		balance.UpdatedAt = now
		if err := s.repo.UpdateBalance(ctx, tx, balance); err != nil {
			return err
		}
		if err := s.repo.InsertTransaction(ctx, tx, entry); err != nil {
			return err
		}
		created = entry
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			s.obsMetrics.RecordInsufficientCredits(ctx, tier)
			s.log.Info("ledger.credits.insufficient",
				zap.String("org_id", m.orgID.String()),
				zap.Int64("requested", -m.delta),
			)
		}
		return nil, err
	}

	s.obsMetrics.RecordCreditTransaction(ctx, string(created.Type))
	s.log.Info(eventName(created),
		zap.String("org_id", m.orgID.String()),
		zap.String("transaction_id", created.ID.String()),
		zap.Int64("amount", created.Amount),
		zap.Int64("balance_after", created.BalanceAfter),
	)
	s.notify(ctx, ledgerdomain.BalanceChange{
		OrgID:       m.orgID,
		Tier:        tier,
		Previous:    previous,
		Current:     created.BalanceAfter,
		Transaction: *created,
	})
	return created, nil
}

// checkHead verifies the locked balance matches the newest balance_after.
// A mismatch means some writer bypassed the lock; it is never retried.
func (s *Service) checkHead(orgID snowflake.ID, balance *ledgerdomain.OrganizationBalance, latest *ledgerdomain.CreditTransaction) error {
	var expected int64
	var latestID string
	if latest != nil {
		expected = latest.BalanceAfter
		latestID = latest.ID.String()
	}
	if expected == balance.CreditBalance {
		return nil
	}
	s.log.Error("ledger.invariant.violated",
		zap.String("org_id", orgID.String()),
		zap.Int64("credit_balance", balance.CreditBalance),
		zap.Int64("latest_balance_after", expected),
		zap.String("latest_transaction_id", latestID),
	)
	return fmt.Errorf("%w: org %s balance %d, latest balance_after %d",
		ledgerdomain.ErrLedgerInvariantViolated, orgID, balance.CreditBalance, expected)
}

func (s *Service) notify(ctx context.Context, change ledgerdomain.BalanceChange) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("ledger.observer.panic",
				zap.String("org_id", change.OrgID.String()),
				zap.Any("panic", r),
			)
		}
	}()
	s.observer.OnBalanceChanged(ctx, change)
}

func (s *Service) HasCredits(ctx context.Context, orgID snowflake.ID, amount int64) (bool, error) {
	if orgID == 0 {
		return false, ledgerdomain.ErrInvalidOrganization
	}
	if amount <= 0 {
		return false, ledgerdomain.ErrInvalidAmount
	}
	balance, err := s.repo.FindBalance(ctx, s.db, orgID)
	if err != nil {
		return false, err
	}
	if balance == nil {
		return false, nil
	}
	return balance.CreditBalance >= amount, nil
}

// GetBalance returns the current row, or an unsaved zero balance when the
// organization has never been touched.
func (s *Service) GetBalance(ctx context.Context, orgID snowflake.ID) (*ledgerdomain.OrganizationBalance, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	balance, err := s.repo.FindBalance(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return &ledgerdomain.OrganizationBalance{
			OrgID:            orgID,
			SubscriptionTier: s.tiers.Get().DefaultTier,
		}, nil
	}
	return balance, nil
}

func (s *Service) GetUsageStats(ctx context.Context, orgID snowflake.ID, period time.Duration) (*ledgerdomain.UsageStats, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if period <= 0 {
		return nil, ledgerdomain.ErrInvalidPeriod
	}
	balance, err := s.GetBalance(ctx, orgID)
	if err != nil {
		return nil, err
	}
	added, used, count, err := s.repo.SumSince(ctx, s.db, orgID, s.clock.Now().Add(-period))
	if err != nil {
		return nil, err
	}
	return &ledgerdomain.UsageStats{
		Added:   added,
		Used:    used,
		Net:     added - used,
		Balance: balance.CreditBalance,
		Count:   count,
		Period:  period,
	}, nil
}

func (s *Service) ListTransactions(ctx context.Context, orgID snowflake.ID, limit int) ([]ledgerdomain.CreditTransaction, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListTransactions(ctx, s.db, orgID, limit)
}

// VerifyLedger replays the transaction log and checks every running total
// and the balance row against it.
func (s *Service) VerifyLedger(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return ledgerdomain.ErrInvalidOrganization
	}

	var (
		running  int64
		expected int64 = 1
	)
	err := s.repo.ReplayTransactions(ctx, s.db, orgID, func(tx ledgerdomain.CreditTransaction) error {
		running += tx.Amount
		if tx.Sequence != expected || tx.BalanceAfter != running {
			s.log.Error("ledger.invariant.violated",
				zap.String("org_id", orgID.String()),
				zap.String("transaction_id", tx.ID.String()),
				zap.Int64("sequence", tx.Sequence),
				zap.Int64("balance_after", tx.BalanceAfter),
				zap.Int64("replayed_balance", running),
			)
			return fmt.Errorf("%w: transaction %s balance_after %d, replayed %d",
				ledgerdomain.ErrLedgerInvariantViolated, tx.ID, tx.BalanceAfter, running)
		}
		expected++
		return nil
	})
	if err != nil {
		return err
	}

	balance, err := s.repo.FindBalance(ctx, s.db, orgID)
	if err != nil {
		return err
	}
	var current int64
	if balance != nil {
		current = balance.CreditBalance
	}
	if current != running {
		s.log.Error("ledger.invariant.violated",
			zap.String("org_id", orgID.String()),
			zap.Int64("credit_balance", current),
			zap.Int64("replayed_balance", running),
		)
		return fmt.Errorf("%w: org %s balance %d, replayed %d",
			ledgerdomain.ErrLedgerInvariantViolated, orgID, current, running)
	}
	return nil
}

func (s *Service) SetSubscriptionTier(ctx context.Context, orgID snowflake.ID, tier string) (*ledgerdomain.OrganizationBalance, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	if _, ok := s.tiers.Get().Tiers[tier]; !ok {
		return nil, ledgerdomain.ErrInvalidTier
	}

	var updated *ledgerdomain.OrganizationBalance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.repo.EnsureBalance(ctx, tx, orgID, tier, now); err != nil {
			return err
		}
		balance, err := s.repo.LockBalance(ctx, tx, orgID)
		if err != nil {
			return err
		}
		balance.SubscriptionTier = tier
		balance.UpdatedAt = now
		if err := s.repo.UpdateBalance(ctx, tx, balance); err != nil {
			return err
		}
		updated = balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ledger.tier.updated",
		zap.String("org_id", orgID.String()),
		zap.String("tier", tier),
	)
	return updated, nil
}

func (s *Service) GrantMonthlyCredits(ctx context.Context, orgID snowflake.ID, periodStart time.Time) (*ledgerdomain.CreditTransaction, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if periodStart.IsZero() {
		return nil, ledgerdomain.ErrInvalidPeriod
	}
	periodStart = periodStart.UTC()

	var (
		created  *ledgerdomain.CreditTransaction
		previous int64
		tier     string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		tiers := s.tiers.Get()
		if err := s.repo.EnsureBalance(ctx, tx, orgID, tiers.DefaultTier, now); err != nil {
			return err
		}
		balance, err := s.repo.LockBalance(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if balance.LastGrantPeriod != nil && !balance.LastGrantPeriod.Before(periodStart) {
			return nil
		}
		tier = balance.SubscriptionTier

		plan, _ := tiers.Plan(tier)
		balance.LastGrantPeriod = &periodStart
		balance.UpdatedAt = now
		if plan.MonthlyCredits <= 0 {
			return s.repo.UpdateBalance(ctx, tx, balance)
		}

		latest, err := s.repo.LatestTransaction(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if err := s.checkHead(orgID, balance, latest); err != nil {
			return err
		}
		var sequence int64 = 1
		if latest != nil {
			sequence = latest.Sequence + 1
		}

		previous = balance.CreditBalance
		balance.CreditBalance += plan.MonthlyCredits
		entry := &ledgerdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			OrgID:        orgID,
			Sequence:     sequence,
			Type:         ledgerdomain.TransactionTypeSubscriptionCredit,
			Amount:       plan.MonthlyCredits,
			BalanceAfter: balance.CreditBalance,
			Description:  fmt.Sprintf("Monthly %s credits for %s", tier, periodStart.Format("2006-01")),
			Metadata: datatypes.JSONMap{
				"period": periodStart.Format("2006-01"),
				"tier":   tier,
			},
			CreatedAt: now,
		}
		if err := s.repo.UpdateBalance(ctx, tx, balance); err != nil {
			return err
		}
		if err := s.repo.InsertTransaction(ctx, tx, entry); err != nil {
			return err
		}
		created = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, nil
	}

	s.obsMetrics.RecordCreditTransaction(ctx, string(created.Type))
	s.log.Info("ledger.credits.granted",
		zap.String("org_id", orgID.String()),
		zap.String("tier", tier),
		zap.Int64("amount", created.Amount),
		zap.Int64("balance_after", created.BalanceAfter),
	)
	s.notify(ctx, ledgerdomain.BalanceChange{
		OrgID:       orgID,
		Tier:        tier,
		Previous:    previous,
		Current:     created.BalanceAfter,
		Transaction: *created,
	})
	return created, nil
}

func (s *Service) ListGrantDue(ctx context.Context, periodStart time.Time, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListGrantDue(ctx, s.db, periodStart.UTC(), limit)
}

func eventName(tx *ledgerdomain.CreditTransaction) string {
	switch {
	case tx.Type == ledgerdomain.TransactionTypeUsage:
		return "ledger.credits.deducted"
	case tx.Type == ledgerdomain.TransactionTypeAdjustment:
		return "ledger.credits.adjusted"
	default:
		return "ledger.credits.added"
	}
}
