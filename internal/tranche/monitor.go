package tranche

import (
	"context"
	"time"

	"github.com/birdbathd/tranche-engine/internal/errors"
	"github.com/birdbathd/tranche-engine/internal/models"
)

// DefaultMonitorInterval is used when StartIsolationMonitoring is called
// with a non-positive interval.
const DefaultMonitorInterval = 10 * time.Second

// StartIsolationMonitoring starts the periodic monitor: each tick fetches one
// mark price per symbol holding tranches, refreshes unrealized P&L and runs
// the isolation and recovery checks. Starting an already-running monitor is
// a no-op.
func (m *Manager) StartIsolationMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorStop != nil {
		return
	}
	stop := make(chan struct{})
	m.monitorStop = stop

	go m.monitorLoop(interval, stop)
	m.logger.Info().Dur("interval", interval).Msg("Isolation monitoring started")
}

// StopIsolationMonitoring stops the monitor timer. An in-flight tick runs to
// completion; only future ticks are cancelled.
func (m *Manager) StopIsolationMonitoring() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorStop == nil {
		return
	}
	close(m.monitorStop)
	m.monitorStop = nil
	m.logger.Info().Msg("Isolation monitoring stopped")
}

func (m *Manager) monitorLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.MonitorTick(context.Background())
		}
	}
}

// MonitorTick runs one full monitor pass: per symbol, fetch the mark price
// and refresh P&L plus isolation/recovery state. A symbol whose price fetch
// fails is skipped this tick and retried next tick.
func (m *Manager) MonitorTick(ctx context.Context) {
	start := time.Now()
	for _, symbol := range m.symbolsWithGroups() {
		price, err := m.fetchPrice(ctx, symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Monitor tick skipping symbol, price unavailable")
			continue
		}
		if err := m.UpdateUnrealizedPnl(ctx, symbol, price); err != nil {
			m.logger.Error().Err(err).Str("symbol", symbol).Msg("Monitor tick failed to persist pnl")
		}
	}
	m.metrics.MonitorTickDur.Observe(time.Since(start).Seconds())
}

// symbolsWithGroups returns the distinct symbols that currently have a group
// with any live tranches.
func (m *Manager) symbolsWithGroups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var symbols []string
	for key, g := range m.groups {
		if seen[key.Symbol] {
			continue
		}
		if len(g.Active) == 0 && len(g.Isolated) == 0 {
			continue
		}
		seen[key.Symbol] = true
		symbols = append(symbols, key.Symbol)
	}
	return symbols
}

func (m *Manager) fetchPrice(ctx context.Context, symbol string) (float64, error) {
	start := time.Now()
	price, err := m.oracle.GetCurrentPrice(ctx, symbol)
	m.metrics.PriceFetchDur.Observe(time.Since(start).Seconds())
	return price, err
}

// LiquidateTranche moves a tranche to the liquidated terminal state at the
// given price. Unknown or terminal ids are a logged no-op.
func (m *Manager) LiquidateTranche(ctx context.Context, id string, liquidationPrice float64) error {
	if err := m.requireInit(); err != nil {
		return err
	}

	key, ok := m.trancheKey(id)
	if !ok {
		m.logger.Warn().Str("tranche_id", id).Msg("Liquidation requested for unknown tranche")
		return nil
	}

	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	t := g.FindTranche(id)
	if t == nil || !t.IsActive() {
		m.logger.Warn().Str("tranche_id", id).Msg("Liquidation requested for inactive tranche")
		return nil
	}

	if err := m.store.LiquidateTranche(ctx, id, liquidationPrice); err != nil {
		if errors.Is(err, errors.ErrTrancheNotFound) {
			m.logger.Warn().Str("tranche_id", id).Msg("Tranche already terminal in store")
			return nil
		}
		return errors.NewTrancheError(id, t.Symbol, "liquidate", err)
	}

	t.Status = models.StatusLiquidated
	t.ExitPrice = liquidationPrice
	t.ExitTime = time.Now().UTC()
	t.UnrealizedPnl = 0
	g.RemoveFromPartitions(id)

	m.logEvent(ctx, t, models.EventLiquidated, liquidationPrice, t.Quantity, 0, "liquidation", nil)
	m.updateGauges(g)

	m.logger.Warn().
		Str("tranche_id", id).
		Str("symbol", t.Symbol).
		Float64("price", liquidationPrice).
		Msg("Tranche liquidated")
	return nil
}
