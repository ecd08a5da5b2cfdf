// Package tranche implements the tranche management engine: virtual
// sub-position bookkeeping over a single exchange position per (symbol, side).
package tranche

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/birdbathd/tranche-engine/internal/config"
	"github.com/birdbathd/tranche-engine/internal/errors"
	"github.com/birdbathd/tranche-engine/internal/metrics"
	"github.com/birdbathd/tranche-engine/internal/models"
	"github.com/birdbathd/tranche-engine/internal/pricing"
	"github.com/birdbathd/tranche-engine/internal/store"
	"github.com/birdbathd/tranche-engine/internal/stream"
)

// Manager is the sole authority for tranche lifecycle and group bookkeeping.
// It keeps an in-memory index of TrancheGroup objects backed by the store.
//
// All mutations to one (symbol, side) group are serialized behind a per-group
// mutex held across the whole read-mutate-persist sequence, so fills, monitor
// ticks and reconciliation never interleave on the same group.
type Manager struct {
	store   store.TrancheStore
	oracle  pricing.PriceOracle
	hub     *stream.Hub
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu          sync.Mutex
	groups      map[models.GroupKey]*models.TrancheGroup
	locks       map[models.GroupKey]*sync.Mutex
	index       map[string]models.GroupKey // tranche id -> group
	initialized bool

	cfgMu   sync.RWMutex
	symbols map[string]config.SymbolConfig

	monitorMu   sync.Mutex
	monitorStop chan struct{}
}

// NewManager creates a tranche manager. All collaborators are injected; the
// hub and metrics may be nil when events or instrumentation are not wanted.
func NewManager(st store.TrancheStore, oracle pricing.PriceOracle, hub *stream.Hub,
	m *metrics.Metrics, symbols map[string]config.SymbolConfig, logger zerolog.Logger) *Manager {
	if m == nil {
		m = metrics.New()
	}
	if symbols == nil {
		symbols = make(map[string]config.SymbolConfig)
	}
	return &Manager{
		store:   st,
		oracle:  oracle,
		hub:     hub,
		metrics: m,
		logger:  logger.With().Str("component", "tranche_manager").Logger(),
		groups:  make(map[models.GroupKey]*models.TrancheGroup),
		locks:   make(map[models.GroupKey]*sync.Mutex),
		index:   make(map[string]models.GroupKey),
		symbols: symbols,
	}
}

// Initialize loads all active tranches for the configured symbols from the
// store and rebuilds the in-memory groups and partitions. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.cfgMu.RLock()
	symbols := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		symbols = append(symbols, s)
	}
	m.cfgMu.RUnlock()

	for _, symbol := range symbols {
		for _, side := range []models.Side{models.SideLong, models.SideShort} {
			tranches, err := m.store.GetActiveTranches(ctx, symbol, side)
			if err != nil {
				return errors.Wrapf(err, "loading active tranches for %s %s", symbol, side)
			}
			if len(tranches) == 0 {
				continue
			}
			key := models.GroupKey{Symbol: symbol, Side: side}
			g := models.NewTrancheGroup(key)
			for _, t := range tranches {
				g.Insert(t)
			}
			m.mu.Lock()
			m.groups[key] = g
			for _, t := range tranches {
				m.index[t.ID] = key
			}
			m.mu.Unlock()
			m.updateGauges(g)
			m.logger.Info().
				Str("symbol", symbol).
				Str("side", string(side)).
				Int("active", len(g.Active)).
				Int("isolated", len(g.Isolated)).
				Float64("quantity", g.TotalQuantity).
				Msg("Rebuilt tranche group")
		}
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// IsEnabled reports whether tranche management is enabled for a symbol.
func (m *Manager) IsEnabled(symbol string) bool {
	cfg, ok := m.symbolConfig(symbol)
	return ok && cfg.Enabled
}

// UpdateConfig replaces the per-symbol configuration at runtime.
func (m *Manager) UpdateConfig(symbols map[string]config.SymbolConfig) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.symbols = symbols
}

func (m *Manager) symbolConfig(symbol string) (config.SymbolConfig, bool) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	cfg, ok := m.symbols[symbol]
	return cfg, ok
}

// CreateTranche opens a new virtual sub-position. TP/SL prices are computed
// from per-symbol configuration at entry and never recomputed.
func (m *Manager) CreateTranche(ctx context.Context, symbol string, orderSide models.OrderSide,
	positionSide models.PositionSide, entryPrice, quantity, marginUsed, leverage float64,
	entryOrderID string) (*models.Tranche, error) {
	if err := m.requireInit(); err != nil {
		return nil, err
	}
	cfg, ok := m.symbolConfig(symbol)
	if !ok {
		return nil, errors.Wrapf(errors.ErrSymbolNotConfigured, "%s", symbol)
	}
	if quantity <= 0 {
		return nil, errors.Wrapf(errors.ErrInvalidQuantity, "%f", quantity)
	}
	if entryPrice <= 0 {
		return nil, errors.NewValidationError("entryPrice", entryPrice, "must be positive")
	}

	side := models.OrderFill{Side: orderSide, PositionSide: positionSide}.EntrySide()
	tpPrice, slPrice := riskPrices(side, entryPrice, cfg.TPPercent, cfg.SLPercent)

	t := &models.Tranche{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		EntryPrice:   entryPrice,
		Quantity:     quantity,
		MarginUsed:   marginUsed,
		Leverage:     leverage,
		EntryTime:    time.Now().UTC(),
		EntryOrderID: entryOrderID,
		TPPercent:    cfg.TPPercent,
		SLPercent:    cfg.SLPercent,
		TPPrice:      tpPrice,
		SLPrice:      slPrice,
		Status:       models.StatusActive,
	}

	key := models.GroupKey{Symbol: symbol, Side: side}
	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.CreateTranche(ctx, t); err != nil {
		return nil, errors.NewTrancheError(t.ID, symbol, "create", err)
	}

	g := m.group(key, true)
	g.Insert(t)
	m.mu.Lock()
	m.index[t.ID] = key
	m.mu.Unlock()

	trigger := entryOrderID
	if trigger == "" {
		trigger = "order_fill"
	}
	m.logEvent(ctx, t, models.EventCreated, entryPrice, quantity, 0, trigger, nil)
	m.publish(stream.EventTrancheCreated, t, entryPrice, quantity, 0)
	m.metrics.TranchesCreated.WithLabelValues(symbol, string(side)).Inc()
	m.updateGauges(g)

	m.logger.Info().
		Str("tranche_id", t.ID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("entry", entryPrice).
		Float64("quantity", quantity).
		Float64("tp", tpPrice).
		Float64("sl", slPrice).
		Msg("Tranche created")
	return t, nil
}

// CloseTranche closes a tranche fully, or partially when 0 < quantityClosed <
// current quantity. realizedPnl is the P&L attributable to the closed
// quantity and is accumulated onto the tranche. Unknown or already-terminal
// ids are a logged no-op so monitor loops survive stale references.
func (m *Manager) CloseTranche(ctx context.Context, id string, exitPrice, realizedPnl,
	quantityClosed float64, orderID string) error {
	if err := m.requireInit(); err != nil {
		return err
	}

	key, ok := m.trancheKey(id)
	if !ok {
		m.logger.Warn().Str("tranche_id", id).Msg("Close requested for unknown tranche")
		return nil
	}

	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	t := g.FindTranche(id)
	if t == nil || !t.IsActive() {
		m.logger.Warn().Str("tranche_id", id).Msg("Close requested for inactive tranche")
		return nil
	}

	if quantityClosed <= 0 || quantityClosed >= t.Quantity {
		return m.closeFullLocked(ctx, g, t, exitPrice, realizedPnl, orderID, "")
	}
	return m.closePartialLocked(ctx, g, t, exitPrice, realizedPnl, quantityClosed, orderID)
}

// closeFullLocked moves a tranche to the closed terminal state. The group
// lock must be held.
func (m *Manager) closeFullLocked(ctx context.Context, g *models.TrancheGroup, t *models.Tranche,
	exitPrice, realizedPnl float64, orderID, trigger string) error {
	if err := m.store.CloseTranche(ctx, t.ID, exitPrice, realizedPnl, orderID); err != nil {
		if errors.Is(err, errors.ErrTrancheNotFound) {
			m.logger.Warn().Str("tranche_id", t.ID).Msg("Tranche already terminal in store")
			return nil
		}
		return errors.NewTrancheError(t.ID, t.Symbol, "close", err)
	}

	now := time.Now().UTC()
	t.Status = models.StatusClosed
	t.ExitPrice = exitPrice
	t.ExitTime = now
	t.ExitOrderID = orderID
	t.RealizedPnl += realizedPnl
	t.UnrealizedPnl = 0
	g.RemoveFromPartitions(t.ID)

	if trigger == "" {
		trigger = orderID
	}
	m.logEvent(ctx, t, models.EventClosed, exitPrice, t.Quantity, realizedPnl, trigger, nil)
	eventType := stream.EventTrancheClosed
	if trigger == "auto_close_recovery" {
		eventType = stream.EventTrancheAutoClosedRecovery
		m.metrics.TranchesRecovered.WithLabelValues(t.Symbol, string(t.Side)).Inc()
	}
	m.publish(eventType, t, exitPrice, t.Quantity, realizedPnl)
	m.metrics.TranchesClosed.WithLabelValues(t.Symbol, string(t.Side)).Inc()
	m.updateGauges(g)

	m.logger.Info().
		Str("tranche_id", t.ID).
		Str("symbol", t.Symbol).
		Float64("exit", exitPrice).
		Float64("realized_pnl", realizedPnl).
		Str("trigger", trigger).
		Msg("Tranche closed")
	return nil
}

// closePartialLocked reduces a tranche's quantity and accumulates the
// realized P&L attributable to the closed quantity. The group lock must be
// held.
func (m *Manager) closePartialLocked(ctx context.Context, g *models.TrancheGroup, t *models.Tranche,
	exitPrice, realizedPnl, quantityClosed float64, orderID string) error {
	newQty := t.Quantity - quantityClosed
	newRealized := t.RealizedPnl + realizedPnl

	err := m.store.UpdateTranche(ctx, t.ID, map[string]interface{}{
		"quantity":     newQty,
		"realized_pnl": newRealized,
	})
	if err != nil {
		return errors.NewTrancheError(t.ID, t.Symbol, "partial_close", err)
	}

	t.Quantity = newQty
	t.RealizedPnl = newRealized
	g.Recompute()

	trigger := orderID
	if trigger == "" {
		trigger = "partial_close"
	}
	m.logEvent(ctx, t, models.EventUpdated, exitPrice, quantityClosed, realizedPnl, trigger, nil)
	m.publish(stream.EventTranchePartialClose, t, exitPrice, quantityClosed, realizedPnl)
	m.metrics.PartialCloses.WithLabelValues(t.Symbol, string(t.Side)).Inc()
	m.updateGauges(g)

	m.logger.Info().
		Str("tranche_id", t.ID).
		Str("symbol", t.Symbol).
		Float64("closed_quantity", quantityClosed).
		Float64("remaining_quantity", newQty).
		Float64("realized_pnl", realizedPnl).
		Msg("Tranche partially closed")
	return nil
}

// ProcessOrderFill applies an opposing fill across tranches: the closing side
// is the opposite of the order side, tranches are selected LIFO, and the
// fill's realized P&L is apportioned pro-rata by closed quantity so the
// shares sum exactly to the fill total.
func (m *Manager) ProcessOrderFill(ctx context.Context, fill models.OrderFill) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	if fill.Quantity <= 0 {
		return errors.Wrapf(errors.ErrInvalidQuantity, "%f", fill.Quantity)
	}

	side := fill.ClosingSide()
	key := models.GroupKey{Symbol: fill.Symbol, Side: side}

	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	if g == nil || len(g.Active) == 0 {
		m.logger.Warn().
			Str("symbol", fill.Symbol).
			Str("side", string(side)).
			Str("order_id", fill.OrderID).
			Msg("Fill received with no active tranches to close")
		return nil
	}

	selected := selectByStrategy(g.Active, fill.Quantity, models.ClosingLIFO)
	remainingQty := fill.Quantity
	remainingPnl := fill.RealizedPnl

	for _, t := range selected {
		if remainingQty <= 0 {
			break
		}
		closeQty := t.Quantity
		if remainingQty < closeQty {
			closeQty = remainingQty
		}
		share := remainingPnl * closeQty / remainingQty

		var err error
		if closeQty >= t.Quantity {
			err = m.closeFullLocked(ctx, g, t, fill.Price, share, fill.OrderID, "")
		} else {
			err = m.closePartialLocked(ctx, g, t, fill.Price, share, closeQty, fill.OrderID)
		}
		if err != nil {
			return err
		}
		remainingQty -= closeQty
		remainingPnl -= share
	}
	return nil
}

// CanOpenNewTranche reports whether a new tranche may be opened for the
// (symbol, side), with a human-readable denial reason.
func (m *Manager) CanOpenNewTranche(symbol string, side models.Side) (bool, string) {
	cfg, ok := m.symbolConfig(symbol)
	if !ok || !cfg.Enabled {
		return true, ""
	}

	key := models.GroupKey{Symbol: symbol, Side: side}
	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	if g == nil {
		return true, ""
	}
	if len(g.Active) >= cfg.MaxTranches {
		return false, "max tranches reached"
	}
	if len(g.Isolated) >= cfg.MaxIsolatedTranches && !cfg.AllowTrancheWhileIsolated {
		return false, "max isolated tranches reached"
	}
	return true, ""
}

// UpdateUnrealizedPnl recomputes unrealized P&L for every active tranche of
// both sides of a symbol at the given mark price, persists each, then runs
// the isolation and recovery checks against the same price.
func (m *Manager) UpdateUnrealizedPnl(ctx context.Context, symbol string, currentPrice float64) error {
	if err := m.requireInit(); err != nil {
		return err
	}

	var firstErr error
	for _, side := range []models.Side{models.SideLong, models.SideShort} {
		key := models.GroupKey{Symbol: symbol, Side: side}
		lock := m.groupLock(key)
		lock.Lock()
		g := m.group(key, false)
		if g != nil {
			for _, t := range append(append([]*models.Tranche{}, g.Active...), g.Isolated...) {
				t.UnrealizedPnl = t.UnrealizedAt(currentPrice)
				if err := m.store.UpdateTrancheUnrealizedPnl(ctx, t.ID, t.UnrealizedPnl); err != nil {
					m.logger.Error().Err(err).Str("tranche_id", t.ID).Msg("Failed to persist unrealized pnl")
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			g.Recompute()
			m.updateGauges(g)
		}
		lock.Unlock()
	}

	m.CheckIsolationForSymbol(ctx, symbol, currentPrice)
	m.CheckRecoveryForSymbol(ctx, symbol, currentPrice)
	return firstErr
}

// GetBestEntryTranche returns the active tranche with the most favorable
// entry: minimum entry price for LONG, maximum for SHORT. Nil when the group
// has no active tranches.
func (m *Manager) GetBestEntryTranche(symbol string, side models.Side) *models.Tranche {
	key := models.GroupKey{Symbol: symbol, Side: side}
	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	if g == nil || len(g.Active) == 0 {
		return nil
	}

	best := g.Active[0]
	for _, t := range g.Active[1:] {
		if side == models.SideLong && t.EntryPrice < best.EntryPrice {
			best = t
		}
		if side == models.SideShort && t.EntryPrice > best.EntryPrice {
			best = t
		}
	}
	snapshot := *best
	return &snapshot
}

// GetTranches returns snapshots of all tranches in a group, terminal ones
// included.
func (m *Manager) GetTranches(symbol string, side models.Side) []models.Tranche {
	key := models.GroupKey{Symbol: symbol, Side: side}
	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	if g == nil {
		return nil
	}
	out := make([]models.Tranche, 0, len(g.Tranches))
	for _, t := range g.Tranches {
		out = append(out, *t)
	}
	return out
}

// GetTrancheGroup returns a snapshot of one group, or nil.
func (m *Manager) GetTrancheGroup(symbol string, side models.Side) *models.TrancheGroup {
	key := models.GroupKey{Symbol: symbol, Side: side}
	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	if g == nil {
		return nil
	}
	return snapshotGroup(g)
}

// GetAllTrancheGroups returns snapshots of every group.
func (m *Manager) GetAllTrancheGroups() []*models.TrancheGroup {
	m.mu.Lock()
	keys := make([]models.GroupKey, 0, len(m.groups))
	for k := range m.groups {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	out := make([]*models.TrancheGroup, 0, len(keys))
	for _, key := range keys {
		if g := m.GetTrancheGroup(key.Symbol, key.Side); g != nil {
			out = append(out, g)
		}
	}
	return out
}

// ============================================================================
// Internals
// ============================================================================

func (m *Manager) requireInit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return errors.ErrNotInitialized
	}
	return nil
}

// groupLock returns the serialization mutex for a group key, creating it on
// first use.
func (m *Manager) groupLock(key models.GroupKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// group returns the in-memory group for a key. The caller must hold the
// group lock.
func (m *Manager) group(key models.GroupKey, create bool) *models.TrancheGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok && create {
		g = models.NewTrancheGroup(key)
		m.groups[key] = g
	}
	return g
}

func (m *Manager) trancheKey(id string) (models.GroupKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.index[id]
	return key, ok
}

func (m *Manager) logEvent(ctx context.Context, t *models.Tranche, eventType models.EventType,
	price, quantity, pnl float64, trigger string, metadata map[string]string) {
	ev := &models.TrancheEvent{
		TrancheID: t.ID,
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Price:     price,
		Quantity:  quantity,
		Pnl:       pnl,
		Trigger:   trigger,
		Metadata:  metadata,
	}
	if err := m.store.LogTrancheEvent(ctx, ev); err != nil {
		m.logger.Error().Err(err).
			Str("tranche_id", t.ID).
			Str("event_type", string(eventType)).
			Msg("Failed to append tranche event")
	}
}

func (m *Manager) publish(eventType stream.EventType, t *models.Tranche, price, quantity, pnl float64) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(stream.Event{
		Type:     eventType,
		Tranche:  *t,
		Price:    price,
		Quantity: quantity,
		Pnl:      pnl,
	})
}

func (m *Manager) updateGauges(g *models.TrancheGroup) {
	m.metrics.SetGroupGauges(g.Key.Symbol, string(g.Key.Side),
		len(g.Active), len(g.Isolated), g.TotalQuantity)
}

// riskPrices derives the fixed TP/SL prices for a new tranche.
func riskPrices(side models.Side, entry, tpPercent, slPercent float64) (tp, sl float64) {
	if side == models.SideLong {
		return entry * (1 + tpPercent/100), entry * (1 - slPercent/100)
	}
	return entry * (1 - tpPercent/100), entry * (1 + slPercent/100)
}

func snapshotGroup(g *models.TrancheGroup) *models.TrancheGroup {
	snap := &models.TrancheGroup{
		Key:                  g.Key,
		TotalQuantity:        g.TotalQuantity,
		TotalMarginUsed:      g.TotalMarginUsed,
		WeightedAvgEntry:     g.WeightedAvgEntry,
		TotalUnrealizedPnl:   g.TotalUnrealizedPnl,
		LastExchangeQuantity: g.LastExchangeQuantity,
		LastExchangeSync:     g.LastExchangeSync,
		SyncStatus:           g.SyncStatus,
	}
	for _, t := range g.Tranches {
		c := *t
		snap.Tranches = append(snap.Tranches, &c)
		if c.IsActive() {
			if c.Isolated {
				snap.Isolated = append(snap.Isolated, &c)
			} else {
				snap.Active = append(snap.Active, &c)
			}
		}
	}
	return snap
}
