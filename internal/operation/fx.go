package operation

import (
	"github.com/smallbiznis/creditline/internal/notification"
	"go.uber.org/fx"
)

var Module = fx.Module("operation",
	fx.Provide(
		NewGate,
		func(n *notification.Notifier) Events { return n },
	),
)
