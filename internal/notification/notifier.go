// Package notification turns ledger and budget changes into webhook events.
package notification

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	budgetdomain "github.com/smallbiznis/creditline/internal/budget/domain"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"github.com/smallbiznis/creditline/internal/observability/logger"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Dispatch webhookdomain.Service
	Clock    clock.Clock         `optional:"true"`
	Tiers    config.TierProvider `optional:"true"`
}

// Notifier is fire-and-forget: dispatch errors are logged and never reach
// the operation that produced the event.
type Notifier struct {
	log      *zap.Logger
	dispatch webhookdomain.Service
	clock    clock.Clock
	tiers    config.TierProvider
}

func New(p Params) *Notifier {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	tiers := p.Tiers
	if tiers == nil {
		tiers = config.StaticTierProvider(config.DefaultTierConfig())
	}
	return &Notifier{
		log:      p.Log.Named("notification"),
		dispatch: p.Dispatch,
		clock:    clk,
		tiers:    tiers,
	}
}

// Notify dispatches one occurrence of name and returns its event id.
func (n *Notifier) Notify(ctx context.Context, orgID snowflake.ID, name string, data map[string]any) string {
	event := webhookdomain.Event{
		ID:         ulid.Make().String(),
		Name:       name,
		OrgID:      orgID,
		OccurredAt: n.clock.Now(),
		Data:       data,
	}
	if _, err := n.dispatch.Dispatch(ctx, event); err != nil {
		logger.WithContext(ctx, n.log).Error("notification.dispatch_failed",
			zap.String("org_id", orgID.String()),
			zap.String("event", name),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
	return event.ID
}

func (n *Notifier) ScanStarted(ctx context.Context, orgID snowflake.ID, data map[string]any) string {
	return n.Notify(ctx, orgID, webhookdomain.EventScanStarted, data)
}

func (n *Notifier) ScanCompleted(ctx context.Context, orgID snowflake.ID, data map[string]any) string {
	return n.Notify(ctx, orgID, webhookdomain.EventScanCompleted, data)
}

func (n *Notifier) ScanFailed(ctx context.Context, orgID snowflake.ID, data map[string]any) string {
	return n.Notify(ctx, orgID, webhookdomain.EventScanFailed, data)
}

// OnBalanceChanged emits credits.depleted when a debit empties the balance
// and credits.low when it first drops under the tier's low threshold.
func (n *Notifier) OnBalanceChanged(ctx context.Context, change ledgerdomain.BalanceChange) {
	if change.Current >= change.Previous {
		return
	}

	data := map[string]any{
		"organization_id": change.OrgID.String(),
		"balance":         change.Current,
		"previous":        change.Previous,
		"transaction_id":  change.Transaction.ID.String(),
		"transaction":     string(change.Transaction.Type),
	}

	if change.Previous > 0 && change.Current <= 0 {
		n.Notify(ctx, change.OrgID, webhookdomain.EventCreditsDepleted, data)
		return
	}

	plan, ok := n.tiers.Get().Plan(change.Tier)
	if !ok || plan.LowCreditThreshold <= 0 {
		return
	}
	if change.Current > 0 && change.Current < plan.LowCreditThreshold && change.Previous >= plan.LowCreditThreshold {
		data["threshold"] = plan.LowCreditThreshold
		data["subscription_tier"] = change.Tier
		n.Notify(ctx, change.OrgID, webhookdomain.EventCreditsLow, data)
	}
}

// OnUsageRecorded emits budget.warning on entering the warning band and
// budget.exceeded on going over budget.
func (n *Notifier) OnUsageRecorded(ctx context.Context, change budgetdomain.UsageChange) {
	before, after := change.Before, change.After
	if before.Status == after.Status {
		return
	}

	var name string
	switch {
	case after.OverBudget() && !before.OverBudget():
		name = webhookdomain.EventBudgetExceeded
	case after.Status == budgetdomain.StatusAtWarning &&
		(before.Status == budgetdomain.StatusWithinBudget || before.Status == budgetdomain.StatusUnlimited):
		name = webhookdomain.EventBudgetWarning
	default:
		return
	}

	data := map[string]any{
		"organization_id":  change.Budget.OrgID.String(),
		"scope":            string(after.Scope),
		"status":           string(after.Status),
		"current_usage":    after.CurrentUsage.String(),
		"usage_percentage": after.UsagePercentage.String(),
		"message":          after.Message,
		"period_start":     periodStart(change.Budget),
	}
	if after.Limit != nil {
		data["monthly_limit"] = after.Limit.String()
	}
	if change.Budget.UserID != budgetdomain.OrganizationScope {
		data["user_id"] = change.Budget.UserID.String()
	}
	n.Notify(ctx, change.Budget.OrgID, name, data)
}

func periodStart(b budgetdomain.AIBudget) string {
	if b.CurrentPeriodStart == nil {
		return ""
	}
	return b.CurrentPeriodStart.UTC().Format(time.RFC3339)
}
