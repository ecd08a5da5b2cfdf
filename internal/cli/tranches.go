package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/birdbathd/tranche-engine/internal/models"
)

// newTranchesCmd lists tranches straight from the store, terminal ones
// included.
func newTranchesCmd(app *App) *cobra.Command {
	var symbol string
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "tranches",
		Short: "List tranches for a symbol",
		Example: `  tranched tranches --symbol BTCUSDT
  tranched tranches --symbol BTCUSDT --active`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if symbol == "" {
				return fmt.Errorf("--symbol is required")
			}
			if err := app.initDeps(); err != nil {
				return err
			}
			defer app.closeDeps()

			tranches, err := app.Store.GetAllTranchesForSymbol(cmd.Context(), symbol)
			if err != nil {
				return err
			}
			if activeOnly {
				filtered := tranches[:0]
				for _, t := range tranches {
					if t.IsActive() {
						filtered = append(filtered, t)
					}
				}
				tranches = filtered
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(tranches)
			}
			if len(tranches) == 0 {
				output.Info("No tranches for %s", symbol)
				return nil
			}

			table := NewTable(output, "ID", "SIDE", "STATUS", "ENTRY", "QTY", "TP", "SL", "UPNL", "RPNL", "OPENED")
			for _, t := range tranches {
				status := string(t.Status)
				if t.Isolated && t.Status == models.StatusActive {
					status = "isolated"
				}
				table.AddRow(
					t.ID[:8],
					string(t.Side),
					status,
					fmt.Sprintf("%.2f", t.EntryPrice),
					fmt.Sprintf("%.4f", t.Quantity),
					fmt.Sprintf("%.2f", t.TPPrice),
					fmt.Sprintf("%.2f", t.SLPrice),
					output.FormatPnL(t.UnrealizedPnl),
					output.FormatPnL(t.RealizedPnl),
					t.EntryTime.Format(time.RFC3339),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to list tranches for")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only show active tranches")
	return cmd
}

// newStatsCmd prints aggregate tranche outcomes across all symbols.
func newStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate tranche statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.initDeps(); err != nil {
				return err
			}
			defer app.closeDeps()

			stats, err := app.Store.GetTrancheStats(cmd.Context())
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(stats)
			}

			output.Printf("total:      %d\n", stats.TotalTranches)
			output.Printf("active:     %d (%d isolated)\n", stats.ActiveTranches, stats.IsolatedTranches)
			output.Printf("closed:     %d\n", stats.ClosedTranches)
			output.Printf("liquidated: %d\n", stats.Liquidated)
			output.Printf("realized:   %s\n", output.FormatPnL(stats.TotalRealizedPnl))
			output.Printf("win rate:   %.1f%% (%d won / %d lost)\n",
				stats.WinRate()*100, stats.WinningTranches, stats.LosingTranches)
			if !stats.OldestActive.IsZero() {
				output.Printf("oldest active: %s\n", stats.OldestActive.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// newCleanupCmd removes old terminal tranches and their events.
func newCleanupCmd(app *App) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete closed tranches older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.initDeps(); err != nil {
				return err
			}
			defer app.closeDeps()

			removed, err := app.Store.CleanupOldTranches(cmd.Context(), days)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			output.Success("Removed %d tranches older than %d days", removed, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 90, "retention window in days")
	return cmd
}
