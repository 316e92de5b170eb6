package notification

import (
	budgetdomain "github.com/smallbiznis/creditline/internal/budget/domain"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(
		New,
		func(n *Notifier) ledgerdomain.BalanceObserver { return n },
		func(n *Notifier) budgetdomain.UsageObserver { return n },
	),
)
