// Package config provides configuration management for the tranche engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/birdbathd/tranche-engine/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig          `mapstructure:"database"`
	Monitor  MonitorConfig           `mapstructure:"monitor"`
	Oracle   OracleConfig            `mapstructure:"oracle"`
	Logging  LoggingConfig           `mapstructure:"logging"`
	Metrics  MetricsConfig           `mapstructure:"metrics"`
	Symbols  map[string]SymbolConfig `mapstructure:"symbols"`
}

// DatabaseConfig holds SQLite store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MonitorConfig holds isolation/recovery monitor configuration.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// OracleConfig holds mark-price oracle configuration.
type OracleConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SymbolConfig holds per-symbol tranche management configuration.
type SymbolConfig struct {
	Enabled                   bool                   `mapstructure:"enabled"`
	TPPercent                 float64                `mapstructure:"tp_percent"`
	SLPercent                 float64                `mapstructure:"sl_percent"`
	IsolationThreshold        float64                `mapstructure:"isolation_threshold"`
	RecoveryThreshold         float64                `mapstructure:"recovery_threshold"`
	MaxTranches               int                    `mapstructure:"max_tranches"`
	MaxIsolatedTranches       int                    `mapstructure:"max_isolated_tranches"`
	AllowTrancheWhileIsolated bool                   `mapstructure:"allow_tranche_while_isolated"`
	AutoCloseIsolated         bool                   `mapstructure:"auto_close_isolated"`
	ClosingStrategy           models.ClosingStrategy `mapstructure:"closing_strategy"`
}

// DefaultSymbolConfig returns a symbol configuration with engine defaults.
func DefaultSymbolConfig() SymbolConfig {
	return SymbolConfig{
		Enabled:             true,
		TPPercent:           5,
		SLPercent:           2,
		IsolationThreshold:  5,
		RecoveryThreshold:   0.5,
		MaxTranches:         3,
		MaxIsolatedTranches: 2,
		ClosingStrategy:     models.ClosingLIFO,
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tranche-engine"
	}
	return filepath.Join(home, ".config", "tranche-engine")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applySymbolDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(DefaultConfigDir(), "tranches.db"))
	v.SetDefault("monitor.interval", 10*time.Second)
	v.SetDefault("oracle.base_url", "https://fapi.binance.com")
	v.SetDefault("oracle.timeout", 5*time.Second)
	v.SetDefault("oracle.requests_per_minute", 1200)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// applySymbolDefaults fills zero-valued symbol fields with engine defaults.
func applySymbolDefaults(cfg *Config) {
	if cfg.Symbols == nil {
		cfg.Symbols = make(map[string]SymbolConfig)
	}
	def := DefaultSymbolConfig()
	for sym, sc := range cfg.Symbols {
		if sc.TPPercent == 0 {
			sc.TPPercent = def.TPPercent
		}
		if sc.SLPercent == 0 {
			sc.SLPercent = def.SLPercent
		}
		if sc.IsolationThreshold == 0 {
			sc.IsolationThreshold = def.IsolationThreshold
		}
		if sc.RecoveryThreshold == 0 {
			sc.RecoveryThreshold = def.RecoveryThreshold
		}
		if sc.MaxTranches == 0 {
			sc.MaxTranches = def.MaxTranches
		}
		if sc.MaxIsolatedTranches == 0 {
			sc.MaxIsolatedTranches = def.MaxIsolatedTranches
		}
		if sc.ClosingStrategy == "" {
			sc.ClosingStrategy = def.ClosingStrategy
		}
		cfg.Symbols[sym] = sc
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRANCHE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TRANCHE_ORACLE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("TRANCHE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if c.Oracle.RequestsPerMinute <= 0 {
		return fmt.Errorf("oracle requests_per_minute must be positive")
	}
	for sym, sc := range c.Symbols {
		if sc.TPPercent < 0 || sc.SLPercent < 0 {
			return fmt.Errorf("%s: tp_percent and sl_percent must be non-negative", sym)
		}
		if sc.IsolationThreshold <= 0 {
			return fmt.Errorf("%s: isolation_threshold must be positive", sym)
		}
		if sc.RecoveryThreshold <= 0 {
			return fmt.Errorf("%s: recovery_threshold must be positive", sym)
		}
		if sc.MaxTranches < 1 {
			return fmt.Errorf("%s: max_tranches must be at least 1", sym)
		}
		if sc.MaxIsolatedTranches < 0 {
			return fmt.Errorf("%s: max_isolated_tranches must be non-negative", sym)
		}
		switch sc.ClosingStrategy {
		case models.ClosingLIFO, models.ClosingFIFO, models.ClosingWorstFirst, models.ClosingBestFirst:
		default:
			return fmt.Errorf("%s: invalid closing_strategy: %s", sym, sc.ClosingStrategy)
		}
	}
	return nil
}
