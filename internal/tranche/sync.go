package tranche

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/birdbathd/tranche-engine/internal/config"
	"github.com/birdbathd/tranche-engine/internal/errors"
	"github.com/birdbathd/tranche-engine/internal/models"
	"github.com/birdbathd/tranche-engine/internal/stream"
)

// driftTolerancePercent is the relative quantity mismatch below which the
// local ledger and the exchange position are considered in sync.
const driftTolerancePercent = 1.0

// SyncWithExchange reconciles the local group against the exchange-reported
// aggregate position and corrects drift:
//
//	exchange=0, local>0  -> close all local tranches (P&L realized exchange-side)
//	exchange>0, local=0  -> create one recovery tranche matching the exchange
//	exchange<local       -> close the difference, LIFO
//	exchange>local>0     -> flagged as drift, no corrective action
func (m *Manager) SyncWithExchange(ctx context.Context, symbol string, side models.Side,
	pos models.ExchangePosition) error {
	if err := m.requireInit(); err != nil {
		return err
	}

	key := models.GroupKey{Symbol: symbol, Side: side}
	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, true)
	localQty := g.TotalQuantity
	for _, t := range g.Isolated {
		localQty += t.Quantity
	}
	exchangeQty := math.Abs(pos.PositionAmt)

	defer func() {
		g.LastExchangeQuantity = exchangeQty
		g.LastExchangeSync = time.Now().UTC()
	}()

	if !quantitiesDrifted(localQty, exchangeQty) {
		g.SyncStatus = models.SyncSynced
		return nil
	}

	logger := m.logger.With().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("local_quantity", localQty).
		Float64("exchange_quantity", exchangeQty).
		Logger()

	switch {
	case exchangeQty == 0 && localQty > 0:
		// Position gone on the exchange: the P&L was realized there and the
		// amount is unknown locally, so every tranche closes flat.
		markPrice, err := m.syncMarkPrice(ctx, symbol, pos)
		if err != nil {
			return errors.NewSyncError(symbol, string(side), localQty, exchangeQty, err)
		}
		for _, t := range append(append([]*models.Tranche{}, g.Active...), g.Isolated...) {
			if err := m.closeFullLocked(ctx, g, t, markPrice, 0, "", "exchange_sync"); err != nil {
				return errors.NewSyncError(symbol, string(side), localQty, exchangeQty, err)
			}
		}
		g.SyncStatus = models.SyncDrift
		m.metrics.DriftCorrections.WithLabelValues(symbol, "close_all").Inc()
		logger.Warn().Msg("Exchange position gone, closed all local tranches")

	case exchangeQty > 0 && localQty == 0:
		t, err := m.createRecoveryLocked(ctx, g, symbol, side, pos, exchangeQty)
		if err != nil {
			return errors.NewSyncError(symbol, string(side), localQty, exchangeQty, err)
		}
		g.SyncStatus = models.SyncDrift
		m.metrics.DriftCorrections.WithLabelValues(symbol, "recover").Inc()
		logger.Warn().Str("tranche_id", t.ID).Msg("Untracked exchange position, created recovery tranche")

	case exchangeQty < localQty:
		diff := localQty - exchangeQty
		markPrice, err := m.syncMarkPrice(ctx, symbol, pos)
		if err != nil {
			return errors.NewSyncError(symbol, string(side), localQty, exchangeQty, err)
		}
		remaining := diff
		for _, t := range selectByStrategy(g.Active, diff, models.ClosingLIFO) {
			if remaining <= 0 {
				break
			}
			closeQty := t.Quantity
			if remaining < closeQty {
				closeQty = remaining
			}
			var err error
			if closeQty >= t.Quantity {
				err = m.closeFullLocked(ctx, g, t, markPrice, 0, "", "exchange_sync")
			} else {
				err = m.closePartialLocked(ctx, g, t, markPrice, 0, closeQty, "exchange_sync")
			}
			if err != nil {
				return errors.NewSyncError(symbol, string(side), localQty, exchangeQty, err)
			}
			remaining -= closeQty
		}
		g.SyncStatus = models.SyncDrift
		m.metrics.DriftCorrections.WithLabelValues(symbol, "reduce").Inc()
		logger.Warn().Float64("difference", diff).Msg("Local ledger ahead of exchange, closed the difference")

	default:
		// exchange grew past the local ledger while both are non-zero. There
		// is no fill to attribute the growth to, so it is only flagged.
		g.SyncStatus = models.SyncDrift
		logger.Warn().Msg("Exchange position larger than local ledger, flagged without correction")
	}

	return nil
}

func quantitiesDrifted(localQty, exchangeQty float64) bool {
	max := math.Max(localQty, exchangeQty)
	if max == 0 {
		return false
	}
	return math.Abs(exchangeQty-localQty)/max*100 > driftTolerancePercent
}

func (m *Manager) syncMarkPrice(ctx context.Context, symbol string, pos models.ExchangePosition) (float64, error) {
	if pos.MarkPrice > 0 {
		return pos.MarkPrice, nil
	}
	return m.fetchPrice(ctx, symbol)
}

// createRecoveryLocked creates a tranche mirroring an untracked exchange
// position discovered during reconciliation. The group lock must be held.
func (m *Manager) createRecoveryLocked(ctx context.Context, g *models.TrancheGroup, symbol string,
	side models.Side, pos models.ExchangePosition, quantity float64) (*models.Tranche, error) {
	cfg, ok := m.symbolConfig(symbol)
	if !ok {
		cfg = config.DefaultSymbolConfig()
	}

	entry := pos.EntryPrice
	if entry <= 0 {
		entry = pos.MarkPrice
	}
	leverage := pos.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	positionSide := pos.PositionSide
	if positionSide == "" {
		positionSide = models.PositionSide(side)
	}
	tpPrice, slPrice := riskPrices(side, entry, cfg.TPPercent, cfg.SLPercent)

	t := &models.Tranche{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		EntryPrice:   entry,
		Quantity:     quantity,
		MarginUsed:   quantity * entry / leverage,
		Leverage:     leverage,
		EntryTime:    time.Now().UTC(),
		TPPercent:    cfg.TPPercent,
		SLPercent:    cfg.SLPercent,
		TPPrice:      tpPrice,
		SLPrice:      slPrice,
		Status:       models.StatusActive,
		Notes:        "recovered from drift",
	}

	if err := m.store.CreateTranche(ctx, t); err != nil {
		return nil, err
	}

	g.Insert(t)
	m.mu.Lock()
	m.index[t.ID] = g.Key
	m.mu.Unlock()

	m.logEvent(ctx, t, models.EventCreated, entry, quantity, 0, "exchange_sync",
		map[string]string{"source": "reconciliation"})
	m.publish(stream.EventTrancheCreated, t, entry, quantity, 0)
	m.metrics.TranchesCreated.WithLabelValues(symbol, string(side)).Inc()
	m.updateGauges(g)
	return t, nil
}
