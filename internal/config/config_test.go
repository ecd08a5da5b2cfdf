package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdbathd/tranche-engine/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, "https://fapi.binance.com", cfg.Oracle.BaseURL)
	assert.Empty(t, cfg.Symbols)
}

func TestLoadSymbolDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
[symbols.BTCUSDT]
enabled = true
tp_percent = 5.0

[symbols.ETHUSDT]
enabled = false
max_tranches = 5
auto_close_isolated = true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	btc := cfg.Symbols["BTCUSDT"]
	assert.True(t, btc.Enabled)
	assert.Equal(t, 5.0, btc.IsolationThreshold)
	assert.Equal(t, 0.5, btc.RecoveryThreshold)
	assert.Equal(t, 3, btc.MaxTranches)
	assert.Equal(t, 2, btc.MaxIsolatedTranches)
	assert.Equal(t, models.ClosingLIFO, btc.ClosingStrategy)

	eth := cfg.Symbols["ETHUSDT"]
	assert.False(t, eth.Enabled)
	assert.Equal(t, 5, eth.MaxTranches)
	assert.True(t, eth.AutoCloseIsolated)
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	cfg := &Config{
		Monitor: MonitorConfig{Interval: time.Second},
		Oracle:  OracleConfig{RequestsPerMinute: 100},
		Symbols: map[string]SymbolConfig{
			"BTCUSDT": func() SymbolConfig {
				sc := DefaultSymbolConfig()
				sc.ClosingStrategy = "RANDOM"
				return sc
			}(),
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRANCHE_DB_PATH", "/tmp/override.db")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}
