package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewTierConfigHolder_DefaultsWithoutFile(t *testing.T) {
	holder, err := NewTierConfigHolder(Config{}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "free", cfg.DefaultTier)
	assert.Equal(t, 80, cfg.Budget.WarningThreshold)
	assert.True(t, cfg.Budget.OverridesPermitted)

	plan, ok := cfg.Plan("PRO")
	require.True(t, ok)
	assert.Equal(t, int64(500), plan.MonthlyCredits)
}

func TestNewTierConfigHolder_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yml")
	content := `
defaultTier: basic
tiers:
  basic:
    monthlyCredits: 100
    lowCreditThreshold: 15
budget:
  warningThreshold: 75
  allowOverride: false
  overridesPermitted: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewTierConfigHolder(Config{TierConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	plan, ok := cfg.Plan("")
	require.True(t, ok)
	assert.Equal(t, int64(100), plan.MonthlyCredits)
	assert.Equal(t, int64(15), plan.LowCreditThreshold)
	assert.Equal(t, 75, cfg.Budget.WarningThreshold)
	assert.False(t, cfg.Budget.AllowOverride)
	assert.False(t, cfg.Budget.OverridesPermitted)

	// unknown tiers resolve to the default tier
	fallback, ok := cfg.Plan("missing")
	require.True(t, ok)
	assert.Equal(t, plan, fallback)
}

func TestNewTierConfigHolder_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yml")
	content := `
defaultTier: gold
tiers:
  silver:
    monthlyCredits: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := NewTierConfigHolder(Config{TierConfigPath: path}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default tier")
}

func TestStaticTierProvider(t *testing.T) {
	cfg := DefaultTierConfig()
	cfg.Budget.WarningThreshold = 90
	provider := StaticTierProvider(cfg)
	assert.Equal(t, 90, provider.Get().Budget.WarningThreshold)
}
