package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TierPlan describes what a subscription tier grants each billing period.
type TierPlan struct {
	MonthlyCredits     int64 `mapstructure:"monthlyCredits"`
	LowCreditThreshold int64 `mapstructure:"lowCreditThreshold"`
}

// BudgetDefaults seeds lazily created AI budgets.
type BudgetDefaults struct {
	WarningThreshold int  `mapstructure:"warningThreshold"`
	AllowOverride    bool `mapstructure:"allowOverride"`
	// OverridesPermitted is the global switch; when false no over-budget
	// operation may proceed regardless of the budget's own flag.
	OverridesPermitted bool `mapstructure:"overridesPermitted"`
}

type TierConfig struct {
	DefaultTier string              `mapstructure:"defaultTier"`
	Tiers       map[string]TierPlan `mapstructure:"tiers"`
	Budget      BudgetDefaults      `mapstructure:"budget"`
}

// Plan resolves a tier by name, falling back to the default tier.
func (c TierConfig) Plan(tier string) (TierPlan, bool) {
	key := strings.ToLower(strings.TrimSpace(tier))
	if key == "" {
		key = strings.ToLower(c.DefaultTier)
	}
	if plan, ok := c.Tiers[key]; ok {
		return plan, true
	}
	plan, ok := c.Tiers[strings.ToLower(c.DefaultTier)]
	return plan, ok
}

func DefaultTierConfig() TierConfig {
	return TierConfig{
		DefaultTier: "free",
		Tiers: map[string]TierPlan{
			"free":       {MonthlyCredits: 10, LowCreditThreshold: 2},
			"starter":    {MonthlyCredits: 100, LowCreditThreshold: 10},
			"pro":        {MonthlyCredits: 500, LowCreditThreshold: 50},
			"enterprise": {MonthlyCredits: 5000, LowCreditThreshold: 250},
		},
		Budget: BudgetDefaults{
			WarningThreshold:   80,
			AllowOverride:      true,
			OverridesPermitted: true,
		},
	}
}

// TierProvider exposes the current tier configuration snapshot.
type TierProvider interface {
	Get() TierConfig
}

// StaticTierProvider serves a fixed snapshot.
type StaticTierProvider TierConfig

func (p StaticTierProvider) Get() TierConfig { return TierConfig(p) }

type TierConfigHolder struct {
	current atomic.Value // holds TierConfig
}

func NewTierConfigHolder(cfg Config, log *zap.Logger) (*TierConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.tiers")

	v := viper.New()
	if cfg.TierConfigPath != "" {
		v.SetConfigFile(filepath.Clean(cfg.TierConfigPath))
	} else {
		v.SetConfigName("tiers")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creditline")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREDITLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTierConfig()
	v.SetDefault("defaultTier", defaults.DefaultTier)
	v.SetDefault("budget.warningThreshold", defaults.Budget.WarningThreshold)
	v.SetDefault("budget.allowOverride", defaults.Budget.AllowOverride)
	v.SetDefault("budget.overridesPermitted", defaults.Budget.OverridesPermitted)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read tier config: %w", err)
		}
		fileLoaded = false
		v.SetDefault("tiers", defaults.Tiers)
	}

	parsed, err := decodeTierConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &TierConfigHolder{}
	holder.current.Store(parsed)

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeTierConfig(v)
			if err != nil {
				log.Warn("tier config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("tier config reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

func (h *TierConfigHolder) Get() TierConfig {
	return h.current.Load().(TierConfig)
}

func decodeTierConfig(v *viper.Viper) (TierConfig, error) {
	var cfg TierConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return TierConfig{}, fmt.Errorf("decode tier config: %w", err)
	}
	normalized := make(map[string]TierPlan, len(cfg.Tiers))
	for name, plan := range cfg.Tiers {
		normalized[strings.ToLower(strings.TrimSpace(name))] = plan
	}
	cfg.Tiers = normalized
	cfg.DefaultTier = strings.ToLower(strings.TrimSpace(cfg.DefaultTier))
	if err := validateTierConfig(cfg); err != nil {
		return TierConfig{}, err
	}
	return cfg, nil
}

func validateTierConfig(cfg TierConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("tiers cannot be empty")
	}
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		return fmt.Errorf("default tier %q is not defined", cfg.DefaultTier)
	}
	for name, plan := range cfg.Tiers {
		if plan.MonthlyCredits < 0 || plan.LowCreditThreshold < 0 {
			return fmt.Errorf("tier %q has negative credit values", name)
		}
	}
	if cfg.Budget.WarningThreshold <= 0 || cfg.Budget.WarningThreshold > 100 {
		return fmt.Errorf("budget.warningThreshold must be within 1..100, got %d", cfg.Budget.WarningThreshold)
	}
	return nil
}
