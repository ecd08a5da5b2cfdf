package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/birdbathd/tranche-engine/internal/stream"
)

// newRunCmd starts the engine: the isolation/recovery monitor, the event
// subscriber and the metrics endpoint, until SIGINT or SIGTERM.
func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tranche engine until interrupted",
		Long: `Run loads all active tranches from the store, starts the isolation and
recovery monitor, exposes Prometheus metrics and logs every tranche event
until the process receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.initDeps(); err != nil {
				return err
			}
			defer app.closeDeps()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := app.Manager.Initialize(ctx); err != nil {
				return err
			}

			app.Hub.Start(ctx)
			defer app.Hub.Stop()
			go logEvents(app, app.Hub.Subscribe())

			app.Manager.StartIsolationMonitoring(app.Config.Monitor.Interval)
			defer app.Manager.StopIsolationMonitoring()

			var metricsSrv *http.Server
			if app.Config.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", app.Metrics.Handler())
				metricsSrv = &http.Server{Addr: app.Config.Metrics.Addr, Handler: mux}
				go func() {
					app.Logger.Info().Str("addr", metricsSrv.Addr).Msg("Metrics endpoint listening")
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						app.Logger.Error().Err(err).Msg("Metrics endpoint failed")
					}
				}()
			}

			app.Logger.Info().
				Int("symbols", len(app.Config.Symbols)).
				Dur("monitor_interval", app.Config.Monitor.Interval).
				Msg("Tranche engine running")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			app.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")

			if metricsSrv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
					app.Logger.Error().Err(err).Msg("Metrics endpoint shutdown failed")
				}
			}
			return nil
		},
	}
}

// logEvents drains the hub subscription into the structured log.
func logEvents(app *App, ch <-chan stream.Event) {
	for ev := range ch {
		app.Logger.Info().
			Str("event", string(ev.Type)).
			Str("tranche_id", ev.Tranche.ID).
			Str("symbol", ev.Tranche.Symbol).
			Str("side", string(ev.Tranche.Side)).
			Float64("price", ev.Price).
			Float64("quantity", ev.Quantity).
			Float64("pnl", ev.Pnl).
			Msg("Tranche event")
	}
}
