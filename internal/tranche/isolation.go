package tranche

import (
	"context"
	"time"

	"github.com/birdbathd/tranche-engine/internal/errors"
	"github.com/birdbathd/tranche-engine/internal/models"
	"github.com/birdbathd/tranche-engine/internal/stream"
)

// ShouldIsolateTranche reports whether a tranche has crossed the isolation
// threshold: active, not yet isolated, and at or below -threshold percent.
func (m *Manager) ShouldIsolateTranche(t *models.Tranche, currentPrice float64) bool {
	cfg, ok := m.symbolConfig(t.Symbol)
	if !ok {
		return false
	}
	return t.IsActive() && !t.Isolated && t.PnlPercent(currentPrice) <= -cfg.IsolationThreshold
}

// IsolateTranche marks a tranche as isolated so new trades stop averaging
// into it. Unknown or already-isolated tranches are a logged no-op.
func (m *Manager) IsolateTranche(ctx context.Context, id string, currentPrice float64) error {
	if err := m.requireInit(); err != nil {
		return err
	}

	key, ok := m.trancheKey(id)
	if !ok {
		m.logger.Warn().Str("tranche_id", id).Msg("Isolation requested for unknown tranche")
		return nil
	}

	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	t := g.FindTranche(id)
	if t == nil || !t.IsActive() || t.Isolated {
		m.logger.Warn().Str("tranche_id", id).Msg("Isolation requested for inactive or already-isolated tranche")
		return nil
	}
	return m.isolateLocked(ctx, g, t, currentPrice, "manual")
}

// isolateLocked performs the isolation mutation. The group lock must be held.
func (m *Manager) isolateLocked(ctx context.Context, g *models.TrancheGroup, t *models.Tranche,
	currentPrice float64, trigger string) error {
	if err := m.store.IsolateTranche(ctx, t.ID, currentPrice); err != nil {
		if errors.Is(err, errors.ErrTrancheNotFound) {
			m.logger.Warn().Str("tranche_id", t.ID).Msg("Tranche not isolatable in store")
			return nil
		}
		return errors.NewTrancheError(t.ID, t.Symbol, "isolate", err)
	}

	t.Isolated = true
	t.IsolationTime = time.Now().UTC()
	t.IsolationPrice = currentPrice
	g.MoveToIsolated(t)

	m.logEvent(ctx, t, models.EventIsolated, currentPrice, t.Quantity, t.UnrealizedPnl, trigger, nil)
	m.publish(stream.EventTrancheIsolated, t, currentPrice, t.Quantity, t.UnrealizedPnl)
	m.metrics.TranchesIsolated.WithLabelValues(t.Symbol, string(t.Side)).Inc()
	m.updateGauges(g)

	m.logger.Info().
		Str("tranche_id", t.ID).
		Str("symbol", t.Symbol).
		Float64("entry", t.EntryPrice).
		Float64("price", currentPrice).
		Float64("pnl_percent", t.PnlPercent(currentPrice)).
		Msg("Tranche isolated")
	return nil
}

// CheckIsolationConditions fetches one price per symbol holding active
// tranches and isolates every tranche past the threshold. Per-symbol
// failures are logged and the remaining symbols continue.
func (m *Manager) CheckIsolationConditions(ctx context.Context) {
	for _, symbol := range m.symbolsWithGroups() {
		price, err := m.fetchPrice(ctx, symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Skipping isolation check, price unavailable")
			continue
		}
		m.CheckIsolationForSymbol(ctx, symbol, price)
	}
}

// CheckIsolationForSymbol runs the isolation test for both sides of one
// symbol against a known price.
func (m *Manager) CheckIsolationForSymbol(ctx context.Context, symbol string, price float64) {
	for _, side := range []models.Side{models.SideLong, models.SideShort} {
		key := models.GroupKey{Symbol: symbol, Side: side}
		lock := m.groupLock(key)
		lock.Lock()
		g := m.group(key, false)
		if g != nil {
			for _, t := range append([]*models.Tranche{}, g.Active...) {
				if m.ShouldIsolateTranche(t, price) {
					if err := m.isolateLocked(ctx, g, t, price, "isolation_threshold"); err != nil {
						m.logger.Error().Err(err).Str("tranche_id", t.ID).Msg("Isolation failed")
					}
				}
			}
		}
		lock.Unlock()
	}
}

// ShouldRecoverTranche reports whether an isolated tranche has recovered far
// enough to auto-close: requires the per-symbol auto-close flag and
// pnlPercent at or above the recovery threshold.
func (m *Manager) ShouldRecoverTranche(t *models.Tranche, currentPrice float64) bool {
	cfg, ok := m.symbolConfig(t.Symbol)
	if !ok || !cfg.AutoCloseIsolated {
		return false
	}
	return t.IsActive() && t.Isolated && t.PnlPercent(currentPrice) >= cfg.RecoveryThreshold
}

// CheckRecoveryConditions mirrors CheckIsolationConditions for the recovery
// path.
func (m *Manager) CheckRecoveryConditions(ctx context.Context) {
	for _, symbol := range m.symbolsWithGroups() {
		price, err := m.fetchPrice(ctx, symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Skipping recovery check, price unavailable")
			continue
		}
		m.CheckRecoveryForSymbol(ctx, symbol, price)
	}
}

// CheckRecoveryForSymbol auto-closes every recovered isolated tranche of one
// symbol against a known price.
func (m *Manager) CheckRecoveryForSymbol(ctx context.Context, symbol string, price float64) {
	for _, side := range []models.Side{models.SideLong, models.SideShort} {
		key := models.GroupKey{Symbol: symbol, Side: side}
		lock := m.groupLock(key)
		lock.Lock()
		g := m.group(key, false)
		if g != nil {
			for _, t := range append([]*models.Tranche{}, g.Isolated...) {
				if m.ShouldRecoverTranche(t, price) {
					if err := m.autoCloseRecoveredLocked(ctx, g, t, price); err != nil {
						m.logger.Error().Err(err).Str("tranche_id", t.ID).Msg("Recovery auto-close failed")
					}
				}
			}
		}
		lock.Unlock()
	}
}

// autoCloseRecoveredLocked closes a recovered tranche at the current price,
// realizing its unrealized P&L. The group lock must be held.
func (m *Manager) autoCloseRecoveredLocked(ctx context.Context, g *models.TrancheGroup,
	t *models.Tranche, price float64) error {
	realized := t.UnrealizedAt(price)
	return m.closeFullLocked(ctx, g, t, price, realized, "", "auto_close_recovery")
}
