package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTierConfigHolder),
	fx.Provide(func(h *TierConfigHolder) TierProvider { return h }),
)
