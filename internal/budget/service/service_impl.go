package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	budgetdomain "github.com/smallbiznis/creditline/internal/budget/domain"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/smallbiznis/creditline/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const resetBatchSize = 200

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       budgetdomain.Repository
	Clock      clock.Clock                `optional:"true"`
	Tiers      config.TierProvider        `optional:"true"`
	Observer   budgetdomain.UsageObserver `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       budgetdomain.Repository
	clock      clock.Clock
	tiers      config.TierProvider
	observer   budgetdomain.UsageObserver
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) budgetdomain.Service {
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
		log:        p.Log.Named("budget.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		tiers:      tiers,
		observer:   p.Observer,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CheckOrganizationBudget(ctx context.Context, orgID snowflake.ID) (budgetdomain.CheckResult, error) {
	if orgID == 0 {
		return budgetdomain.CheckResult{}, budgetdomain.ErrInvalidOrganization
	}
	result, err := s.check(ctx, orgID, budgetdomain.OrganizationScope)
	if err != nil {
		return budgetdomain.CheckResult{}, err
	}
	s.recordDecision(ctx, result)
	return result, nil
}

func (s *Service) CheckUserBudget(ctx context.Context, userID, orgID snowflake.ID) (budgetdomain.CheckResult, error) {
	if orgID == 0 {
		return budgetdomain.CheckResult{}, budgetdomain.ErrInvalidOrganization
	}
	if userID == 0 {
		return budgetdomain.CheckResult{}, budgetdomain.ErrInvalidUser
	}
	result, err := s.check(ctx, orgID, userID)
	if err != nil {
		return budgetdomain.CheckResult{}, err
	}
	s.recordDecision(ctx, result)
	return result, nil
}

func (s *Service) CheckCombinedBudget(ctx context.Context, userID, orgID snowflake.ID) (_ budgetdomain.CheckResult, err error) {
	ctx, span := tracing.Start(ctx, "budget.check_combined")
	defer func() { tracing.End(span, err) }()

	if orgID == 0 {
		return budgetdomain.CheckResult{}, budgetdomain.ErrInvalidOrganization
	}
	org, err := s.check(ctx, orgID, budgetdomain.OrganizationScope)
	if err != nil {
		return budgetdomain.CheckResult{}, err
	}
	if userID == 0 {
		s.recordDecision(ctx, org)
		return org, nil
	}
	user, err := s.check(ctx, orgID, userID)
	if err != nil {
		return budgetdomain.CheckResult{}, err
	}
	combined := budgetdomain.CombineResults(org, user)
	s.recordDecision(ctx, combined)
	return combined, nil
}

func (s *Service) check(ctx context.Context, orgID, userID snowflake.ID) (budgetdomain.CheckResult, error) {
	b, err := s.fetchOrCreate(ctx, orgID, userID)
	if err != nil {
		return budgetdomain.CheckResult{}, err
	}
	return budgetdomain.Evaluate(*b, s.tiers.Get().Budget.OverridesPermitted), nil
}

// fetchOrCreate loads the scope's budget, persisting a default one when
// missing and rolling a stale period before it is evaluated.
func (s *Service) fetchOrCreate(ctx context.Context, orgID, userID snowflake.ID) (*budgetdomain.AIBudget, error) {
	now := s.clock.Now()

	b, err := s.repo.FindBudget(ctx, s.db, orgID, userID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		if err := s.repo.EnsureBudget(ctx, s.db, s.defaultBudget(orgID, userID, now)); err != nil {
			return nil, err
		}
		if b, err = s.repo.FindBudget(ctx, s.db, orgID, userID); err != nil {
			return nil, err
		}
		if b == nil {
			return nil, budgetdomain.ErrBudgetNotFound
		}
	}

	if !budgetdomain.IsStale(b, now) {
		return b, nil
	}
	start := budgetdomain.StartOfMonth(now)
	reset, err := s.repo.ResetIfStale(ctx, s.db, b.ID, start, now)
	if err != nil {
		return nil, err
	}
	if reset {
		budgetdomain.EnsureCurrentPeriod(b, now)
		s.log.Info("budget.period.rolled",
			zap.String("org_id", orgID.String()),
			zap.String("user_id", userID.String()),
			zap.Time("period_start", start),
		)
		return b, nil
	}
	// another writer rolled it first; read what it left
	if b, err = s.repo.FindBudget(ctx, s.db, orgID, userID); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, budgetdomain.ErrBudgetNotFound
	}
	return b, nil
}

func (s *Service) defaultBudget(orgID, userID snowflake.ID, now time.Time) *budgetdomain.AIBudget {
	defaults := s.tiers.Get().Budget
	threshold := defaults.WarningThreshold
	if threshold <= 0 {
		threshold = budgetdomain.DefaultWarningThreshold
	}
	start := budgetdomain.StartOfMonth(now)
	return &budgetdomain.AIBudget{
		ID:                 s.genID.Generate(),
		OrgID:              orgID,
		UserID:             userID,
		WarningThreshold:   threshold,
		CurrentMonthUsage:  decimal.Zero,
		CurrentPeriodStart: &start,
		IsActive:           true,
		AllowOverride:      defaults.AllowOverride,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (s *Service) recordDecision(ctx context.Context, result budgetdomain.CheckResult) {
	s.obsMetrics.RecordBudgetDecision(ctx, string(result.Status), string(result.Scope))
}

// RecordUsage adds cost to each existing budget of the caller's scopes. A
// repeated idempotency key is acknowledged without counting the cost again.
func (s *Service) RecordUsage(ctx context.Context, input budgetdomain.UsageInput) (_ *budgetdomain.UsageOutcome, err error) {
	ctx, span := tracing.Start(ctx, "budget.record_usage",
		attribute.String("category", input.Category),
	)
	defer func() { tracing.End(span, err) }()

	if input.OrgID == 0 {
		return nil, budgetdomain.ErrInvalidOrganization
	}
	if input.Cost.IsNegative() {
		return nil, budgetdomain.ErrInvalidCost
	}

	scopes := []snowflake.ID{budgetdomain.OrganizationScope}
	if input.UserID != 0 {
		scopes = append(scopes, input.UserID)
	}
	permitted := s.tiers.Get().Budget.OverridesPermitted
	key := strings.TrimSpace(input.IdempotencyKey)

	outcome := &budgetdomain.UsageOutcome{}
	var changes []budgetdomain.UsageChange
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		if key != "" {
			inserted, err := s.repo.InsertUsageRecord(ctx, tx, &budgetdomain.UsageRecord{
				ID:             s.genID.Generate(),
				OrgID:          input.OrgID,
				UserID:         input.UserID,
				IdempotencyKey: key,
				Cost:           input.Cost,
				Category:       input.Category,
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
			if !inserted {
				outcome.Deduplicated = true
				return nil
			}
		}

		for _, userID := range scopes {
			b, err := s.repo.LockBudget(ctx, tx, input.OrgID, userID)
			if err != nil {
				return err
			}
			if b == nil {
				continue
			}
			budgetdomain.EnsureCurrentPeriod(b, now)
			before := budgetdomain.Evaluate(*b, permitted)

			b.CurrentMonthUsage = b.CurrentMonthUsage.Add(input.Cost)
			b.UpdatedAt = now
			if err := s.repo.UpdateBudget(ctx, tx, b); err != nil {
				return err
			}
			after := budgetdomain.Evaluate(*b, permitted)
			changes = append(changes, budgetdomain.UsageChange{Budget: *b, Before: before, After: after})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Deduplicated {
		s.log.Info("budget.usage.deduplicated",
			zap.String("org_id", input.OrgID.String()),
			zap.String("idempotency_key", key),
		)
		return outcome, nil
	}

	for _, change := range changes {
		outcome.Results = append(outcome.Results, change.After)
		s.log.Info("budget.usage.recorded",
			zap.String("org_id", input.OrgID.String()),
			zap.String("scope", string(change.After.Scope)),
			zap.String("cost", input.Cost.String()),
			zap.String("current_usage", change.Budget.CurrentMonthUsage.String()),
			zap.String("status", string(change.After.Status)),
		)
		s.notify(ctx, change)
	}
	return outcome, nil
}

func (s *Service) notify(ctx context.Context, change budgetdomain.UsageChange) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("budget.observer.panic",
				zap.String("org_id", change.Budget.OrgID.String()),
				zap.Any("panic", r),
			)
		}
	}()
	s.observer.OnUsageRecorded(ctx, change)
}

// ResetMonthlyBudgets rolls every stale budget into the current month and
// returns how many it rolled. Running it twice in a month rolls nothing the
// second time.
func (s *Service) ResetMonthlyBudgets(ctx context.Context) (total int, err error) {
	ctx, span := tracing.Start(ctx, "budget.reset_monthly")
	defer func() { tracing.End(span, err) }()

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var rolled int
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			items, err := s.repo.LockStale(ctx, tx, budgetdomain.StartOfMonth(now), resetBatchSize)
			if err != nil {
				return err
			}
			for i := range items {
				if !budgetdomain.EnsureCurrentPeriod(&items[i], now) {
					continue
				}
				if err := s.repo.UpdateBudget(ctx, tx, &items[i]); err != nil {
					return err
				}
				rolled++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += rolled
		if rolled < resetBatchSize {
			break
		}
	}

	s.log.Info("budget.reset.completed", zap.Int("reset_count", total))
	return total, nil
}

func (s *Service) SetBudget(ctx context.Context, req budgetdomain.UpsertBudgetRequest) (*budgetdomain.AIBudget, error) {
	if req.OrgID == 0 {
		return nil, budgetdomain.ErrInvalidOrganization
	}
	if req.MonthlyLimit != nil && req.MonthlyLimit.IsNegative() {
		return nil, budgetdomain.ErrInvalidLimit
	}
	if req.WarningThreshold != nil && (*req.WarningThreshold < 1 || *req.WarningThreshold > 100) {
		return nil, budgetdomain.ErrInvalidThreshold
	}

	var saved *budgetdomain.AIBudget
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.repo.EnsureBudget(ctx, tx, s.defaultBudget(req.OrgID, req.UserID, now)); err != nil {
			return err
		}
		b, err := s.repo.LockBudget(ctx, tx, req.OrgID, req.UserID)
		if err != nil {
			return err
		}
		if b == nil {
			return budgetdomain.ErrBudgetNotFound
		}

		budgetdomain.EnsureCurrentPeriod(b, now)
		switch {
		case req.ClearLimit:
			b.MonthlyLimit = decimal.NullDecimal{}
		case req.MonthlyLimit != nil:
			b.MonthlyLimit = decimal.NewNullDecimal(*req.MonthlyLimit)
		}
		if req.WarningThreshold != nil {
			b.WarningThreshold = *req.WarningThreshold
		}
		if req.AllowOverride != nil {
			b.AllowOverride = *req.AllowOverride
		}
		if req.IsActive != nil {
			b.IsActive = *req.IsActive
		}
		b.UpdatedAt = now
		if err := s.repo.UpdateBudget(ctx, tx, b); err != nil {
			return err
		}
		saved = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("budget.configured",
		zap.String("org_id", saved.OrgID.String()),
		zap.String("user_id", saved.UserID.String()),
		zap.Bool("limited", saved.MonthlyLimit.Valid),
		zap.Int("warning_threshold", saved.WarningThreshold),
		zap.Bool("allow_override", saved.AllowOverride),
		zap.Bool("is_active", saved.IsActive),
	)
	return saved, nil
}

func (s *Service) GetBudget(ctx context.Context, orgID, userID snowflake.ID) (*budgetdomain.AIBudget, error) {
	if orgID == 0 {
		return nil, budgetdomain.ErrInvalidOrganization
	}
	b, err := s.repo.FindBudget(ctx, s.db, orgID, userID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, budgetdomain.ErrBudgetNotFound
	}
	return b, nil
}
