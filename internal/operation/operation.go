// Package operation gates billable operations on the AI budget and the
// credit ledger.
package operation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	budgetdomain "github.com/smallbiznis/creditline/internal/budget/domain"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"github.com/smallbiznis/creditline/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest         = errors.New("invalid_operation_request")
	ErrBudgetBlocked          = errors.New("budget_blocked")
	ErrBudgetOverrideRequired = errors.New("budget_override_required")
)

// BudgetDeniedError carries the verdict that stopped an operation. It
// matches ErrBudgetBlocked or ErrBudgetOverrideRequired with errors.Is.
type BudgetDeniedError struct {
	Result budgetdomain.CheckResult
	err    error
}

func (e *BudgetDeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.err, e.Result.Message)
}

func (e *BudgetDeniedError) Unwrap() error { return e.err }

// Events receives operation lifecycle notifications.
type Events interface {
	ScanStarted(ctx context.Context, orgID snowflake.ID, data map[string]any) string
	ScanCompleted(ctx context.Context, orgID snowflake.ID, data map[string]any) string
	ScanFailed(ctx context.Context, orgID snowflake.ID, data map[string]any) string
}

type Request struct {
	OrgID           snowflake.ID
	UserID          snowflake.ID
	CreditCost      int64
	// EstimatedAICost is recorded on the debit and the scan.started event;
	// the budget is charged with the actual cost in Complete.
	EstimatedAICost decimal.Decimal
	Category        string
	Description     string
	ConfirmOverride bool
	Metadata        map[string]any
}

type Authorization struct {
	OperationID string
	OrgID       snowflake.ID
	UserID      snowflake.ID
	CreditCost  int64
	Category    string
	Transaction *ledgerdomain.CreditTransaction
	Budget      budgetdomain.CheckResult
}

type Result struct {
	AICost decimal.Decimal
	Data   map[string]any
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Ledger ledgerdomain.Service
	Budget budgetdomain.Service
	Events Events `optional:"true"`
}

type Gate struct {
	log    *zap.Logger
	ledger ledgerdomain.Service
	budget budgetdomain.Service
	events Events
}

func NewGate(p Params) *Gate {
	return &Gate{
		log:    p.Log.Named("operation.gate"),
		ledger: p.Ledger,
		budget: p.Budget,
		events: p.Events,
	}
}

// Authorize checks the combined AI budget and then debits the credit cost.
// The debit is the only funds check; there is no separate balance read.
func (g *Gate) Authorize(ctx context.Context, req Request) (_ *Authorization, err error) {
	ctx, span := tracing.Start(ctx, "operation.authorize",
		attribute.String("category", req.Category),
	)
	defer func() { tracing.End(span, err) }()

	if req.OrgID == 0 || req.CreditCost <= 0 {
		return nil, ErrInvalidRequest
	}

	verdict, err := g.budget.CheckCombinedBudget(ctx, req.UserID, req.OrgID)
	if err != nil {
		return nil, err
	}
	switch {
	case verdict.Status == budgetdomain.StatusBlocked:
		g.log.Info("operation.denied.budget_blocked",
			zap.String("org_id", req.OrgID.String()),
			zap.String("scope", string(verdict.Scope)),
		)
		return nil, &BudgetDeniedError{Result: verdict, err: ErrBudgetBlocked}
	case verdict.RequiresOverride() && !req.ConfirmOverride:
		return nil, &BudgetDeniedError{Result: verdict, err: ErrBudgetOverrideRequired}
	}

	operationID := ulid.Make().String()
	metadata := map[string]any{
		"operation_id": operationID,
	}
	if req.Category != "" {
		metadata["category"] = req.Category
	}
	if verdict.RequiresOverride() {
		metadata["budget_override"] = true
	}
	if req.EstimatedAICost.IsPositive() {
		metadata["estimated_ai_cost"] = req.EstimatedAICost.String()
	}
	for k, v := range req.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}

	var actor *snowflake.ID
	if req.UserID != 0 {
		user := req.UserID
		actor = &user
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "operation " + operationID
	}

	entry, err := g.ledger.DeductCredits(ctx, req.OrgID, req.CreditCost, description, actor, metadata)
	if err != nil {
		return nil, err
	}

	auth := &Authorization{
		OperationID: operationID,
		OrgID:       req.OrgID,
		UserID:      req.UserID,
		CreditCost:  req.CreditCost,
		Category:    req.Category,
		Transaction: entry,
		Budget:      verdict,
	}
	if g.events != nil {
		data := map[string]any{
			"credits":        req.CreditCost,
			"balance":        entry.BalanceAfter,
			"transaction_id": entry.ID.String(),
			"budget_status":  string(verdict.Status),
		}
		if req.EstimatedAICost.IsPositive() {
			data["estimated_ai_cost"] = req.EstimatedAICost.String()
		}
		g.emit(ctx, g.events.ScanStarted, auth, data)
	}
	return auth, nil
}

// RecordAIUsage adds an AI cost to the caller's budgets. A non-empty key
// makes retries count once.
func (g *Gate) RecordAIUsage(ctx context.Context, orgID, userID snowflake.ID, cost decimal.Decimal, category, idempotencyKey string) (*budgetdomain.UsageOutcome, error) {
	return g.budget.RecordUsage(ctx, budgetdomain.UsageInput{
		OrgID:          orgID,
		UserID:         userID,
		Cost:           cost,
		Category:       category,
		IdempotencyKey: idempotencyKey,
	})
}

// Complete records the operation's AI cost, keyed by the operation id, and
// emits scan.completed.
func (g *Gate) Complete(ctx context.Context, auth *Authorization, result Result) error {
	if auth == nil {
		return ErrInvalidRequest
	}
	if result.AICost.IsPositive() {
		if _, err := g.RecordAIUsage(ctx, auth.OrgID, auth.UserID, result.AICost, auth.Category, auth.OperationID); err != nil {
			return err
		}
	}
	data := map[string]any{"ai_cost": result.AICost.String()}
	for k, v := range result.Data {
		data[k] = v
	}
	if g.events != nil {
		g.emit(ctx, g.events.ScanCompleted, auth, data)
	}
	return nil
}

// Fail emits scan.failed and optionally returns the debited credits.
func (g *Gate) Fail(ctx context.Context, auth *Authorization, reason string, refund bool) error {
	if auth == nil {
		return ErrInvalidRequest
	}
	data := map[string]any{"reason": reason}
	if refund {
		entry, err := g.ledger.RefundCredits(ctx, auth.OrgID, auth.CreditCost,
			"refund for operation "+auth.OperationID,
			map[string]any{"operation_id": auth.OperationID},
		)
		if err != nil {
			return err
		}
		data["refund_transaction_id"] = entry.ID.String()
		data["balance"] = entry.BalanceAfter
	}
	if g.events != nil {
		g.emit(ctx, g.events.ScanFailed, auth, data)
	}
	return nil
}

type emitFunc func(ctx context.Context, orgID snowflake.ID, data map[string]any) string

func (g *Gate) emit(ctx context.Context, fn emitFunc, auth *Authorization, data map[string]any) {
	data["operation_id"] = auth.OperationID
	data["organization_id"] = auth.OrgID.String()
	if auth.UserID != 0 {
		data["user_id"] = auth.UserID.String()
	}
	if auth.Category != "" {
		data["category"] = auth.Category
	}
	fn(ctx, auth.OrgID, data)
}
