// Package cli provides the command-line interface for the tranche engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/birdbathd/tranche-engine/internal/config"
	"github.com/birdbathd/tranche-engine/internal/metrics"
	"github.com/birdbathd/tranche-engine/internal/pricing"
	"github.com/birdbathd/tranche-engine/internal/store"
	"github.com/birdbathd/tranche-engine/internal/stream"
	"github.com/birdbathd/tranche-engine/internal/tranche"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies. Everything is injected so commands
// and tests can swap collaborators.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Store   store.TrancheStore
	Oracle  pricing.PriceOracle
	Hub     *stream.Hub
	Metrics *metrics.Metrics
	Manager *tranche.Manager
}

// initDeps builds the store, oracle, hub and manager from configuration.
// Called lazily so commands that only print help never touch the database.
func (app *App) initDeps() error {
	if app.Manager != nil {
		return nil
	}

	st, err := store.NewSQLiteStore(app.Config.Database.Path)
	if err != nil {
		return err
	}
	app.Store = st
	app.Oracle = pricing.NewOracle(app.Config.Oracle, nil, app.Logger)
	app.Hub = stream.NewHub()
	app.Metrics = metrics.New()
	app.Manager = tranche.NewManager(st, app.Oracle, app.Hub, app.Metrics,
		app.Config.Symbols, app.Logger)
	return nil
}

// closeDeps releases everything initDeps opened.
func (app *App) closeDeps() {
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Error().Err(err).Msg("Failed to close store")
		}
	}
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "tranched",
		Short: "Tranche engine - virtual sub-position ledger for exchange positions",
		Long: `Tranched tracks a single exchange position per symbol and side as a ledger
of virtual sub-positions (tranches), each carrying its own entry, quantity
and risk prices.

Losing tranches are isolated so new trades stop averaging into them,
recovered tranches can auto-close, and the local ledger is reconciled
against the exchange-reported position.

Use 'tranched help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tranche-engine)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newTranchesCmd(app))
	rootCmd.AddCommand(newStatsCmd(app))
	rootCmd.AddCommand(newCleanupCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
				return
			}
			output.Printf("tranched %s\n", Version)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			output.Printf("database: %s\n", app.Config.Database.Path)
			output.Printf("monitor interval: %s\n", app.Config.Monitor.Interval)
			output.Printf("oracle: %s\n", app.Config.Oracle.BaseURL)
			output.Printf("metrics: enabled=%t addr=%s\n", app.Config.Metrics.Enabled, app.Config.Metrics.Addr)
			for sym, sc := range app.Config.Symbols {
				output.Printf("%s: enabled=%t tp=%.2f%% sl=%.2f%% isolation=%.2f%% recovery=%.2f%% max=%d\n",
					sym, sc.Enabled, sc.TPPercent, sc.SLPercent,
					sc.IsolationThreshold, sc.RecoveryThreshold, sc.MaxTranches)
			}
			return nil
		},
	}
}
