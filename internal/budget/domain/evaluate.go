package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CheckBudget grades a snapshot with overrides permitted.
func CheckBudget(b AIBudget) CheckResult {
	return Evaluate(b, true)
}

// Evaluate grades a budget snapshot. When overridesPermitted is false an
// override-eligible overage is blocked.
func Evaluate(b AIBudget, overridesPermitted bool) CheckResult {
	result := CheckResult{
		Scope:           b.Scope(),
		CurrentUsage:    b.CurrentMonthUsage,
		UsagePercentage: decimal.Zero,
	}

	if !b.IsActive || !b.MonthlyLimit.Valid {
		result.Status = StatusUnlimited
		result.Message = fmt.Sprintf("No AI budget limit applies at the %s level.", result.Scope)
		return result
	}

	limit := b.MonthlyLimit.Decimal
	result.Limit = &limit
	result.UsagePercentage = UsagePercentage(b.CurrentMonthUsage, limit)

	threshold := b.WarningThreshold
	if threshold <= 0 {
		threshold = DefaultWarningThreshold
	}

	switch {
	case b.CurrentMonthUsage.GreaterThanOrEqual(limit):
		if b.AllowOverride && overridesPermitted {
			result.Status = StatusOverBudgetWithOverride
			result.Message = fmt.Sprintf("The %s AI budget of %s is exhausted (%s used). Confirm to continue.",
				result.Scope, limit.String(), b.CurrentMonthUsage.String())
		} else {
			result.Status = StatusBlocked
			result.Message = fmt.Sprintf("The %s AI budget of %s is exhausted (%s used).",
				result.Scope, limit.String(), b.CurrentMonthUsage.String())
		}
	// usage*100 >= limit*threshold keeps exact boundaries exact
	case b.CurrentMonthUsage.Mul(hundred).GreaterThanOrEqual(limit.Mul(decimal.NewFromInt(int64(threshold)))):
		result.Status = StatusAtWarning
		result.Message = fmt.Sprintf("%s%% of the %s AI budget is used.",
			result.UsagePercentage.String(), result.Scope)
	default:
		result.Status = StatusWithinBudget
		result.Message = fmt.Sprintf("%s%% of the %s AI budget is used.",
			result.UsagePercentage.String(), result.Scope)
	}
	return result
}

// UsagePercentage is usage/limit*100 rounded to two places. A zero limit is
// fully used.
func UsagePercentage(usage, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return hundred
	}
	return usage.Mul(hundred).Div(limit).Round(2)
}

// CombineResults merges the organization and user verdicts. A block from
// either side wins. Otherwise the side needing more attention (override over
// warning over healthy) is returned, the organization first when both sides
// are equally severe, unless the user's usage percentage is higher.
func CombineResults(org, user CheckResult) CheckResult {
	if org.Status == StatusBlocked {
		return org
	}
	if user.Status == StatusBlocked {
		return user
	}

	orgSeverity, userSeverity := org.Status.severity(), user.Status.severity()
	switch {
	case orgSeverity > userSeverity:
		return org
	case userSeverity > orgSeverity:
		return user
	}

	if user.UsagePercentage.GreaterThan(org.UsagePercentage) {
		return user
	}
	return org
}
