package tranche

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdbathd/tranche-engine/internal/models"
)

func TestSyncWithinToleranceIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	createLong(t, m, "BTCUSDT", 50000, 1.0)

	// 0.5% mismatch is inside the 1% tolerance.
	err := m.SyncWithExchange(ctx, "BTCUSDT", models.SideLong, models.ExchangePosition{
		Symbol:      "BTCUSDT",
		PositionAmt: 1.005,
		MarkPrice:   50000,
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Equal(t, models.SyncSynced, g.SyncStatus)
	assert.Len(t, g.Active, 1)
	assert.InDelta(t, 1.005, g.LastExchangeQuantity, 1e-9)
	assert.False(t, g.LastExchangeSync.IsZero())
}

func TestSyncExchangeGoneClosesEverything(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	active := createLong(t, m, "BTCUSDT", 50000, 1)
	iso := createLong(t, m, "BTCUSDT", 51000, 1)
	require.NoError(t, m.IsolateTranche(ctx, iso.ID, 48000))

	err := m.SyncWithExchange(ctx, "BTCUSDT", models.SideLong, models.ExchangePosition{
		Symbol:      "BTCUSDT",
		PositionAmt: 0,
		MarkPrice:   49500,
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Equal(t, models.SyncDrift, g.SyncStatus)
	assert.Empty(t, g.Active)
	assert.Empty(t, g.Isolated)
	assert.Zero(t, g.TotalQuantity)

	// The exchange realized the P&L, so local tranches close flat.
	for _, id := range []string{active.ID, iso.ID} {
		stored, err := st.GetTranche(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosed, stored.Status)
		assert.Zero(t, stored.RealizedPnl)
		assert.InDelta(t, 49500.0, stored.ExitPrice, 1e-9)
	}
}

func TestSyncUntrackedPositionCreatesRecoveryTranche(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	err := m.SyncWithExchange(ctx, "BTCUSDT", models.SideLong, models.ExchangePosition{
		Symbol:      "BTCUSDT",
		PositionAmt: 2.0,
		EntryPrice:  48000,
		MarkPrice:   49000,
		Leverage:    10,
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Equal(t, models.SyncDrift, g.SyncStatus)
	require.Len(t, g.Active, 1)

	recovered := g.Active[0]
	assert.InDelta(t, 2.0, recovered.Quantity, 1e-9)
	assert.InDelta(t, 48000.0, recovered.EntryPrice, 1e-9)
	assert.InDelta(t, 2.0*48000/10, recovered.MarginUsed, 1e-9)
	assert.Equal(t, "recovered from drift", recovered.Notes)

	stored, err := st.GetTranche(ctx, recovered.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestSyncShortPositionUsesAbsoluteQuantity(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	// Shorts report negative position amounts.
	err := m.SyncWithExchange(ctx, "BTCUSDT", models.SideShort, models.ExchangePosition{
		Symbol:      "BTCUSDT",
		PositionAmt: -1.5,
		EntryPrice:  50000,
		MarkPrice:   50000,
		Leverage:    5,
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideShort)
	require.Len(t, g.Active, 1)
	assert.Equal(t, models.SideShort, g.Active[0].Side)
	assert.InDelta(t, 1.5, g.Active[0].Quantity, 1e-9)
}

func TestSyncExchangeSmallerClosesDifferenceLIFO(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	older := createLong(t, m, "BTCUSDT", 50000, 1.0)
	time.Sleep(5 * time.Millisecond)
	newer := createLong(t, m, "BTCUSDT", 51000, 1.0)

	// Exchange holds 1.25, local holds 2.0: close 0.75 starting from the
	// newest tranche.
	err := m.SyncWithExchange(ctx, "BTCUSDT", models.SideLong, models.ExchangePosition{
		Symbol:      "BTCUSDT",
		PositionAmt: 1.25,
		MarkPrice:   50500,
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Equal(t, models.SyncDrift, g.SyncStatus)
	assert.InDelta(t, 1.25, g.TotalQuantity, 1e-9)

	storedNewer, err := st.GetTranche(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, storedNewer.Status)
	assert.InDelta(t, 0.25, storedNewer.Quantity, 1e-9)
	assert.Zero(t, storedNewer.RealizedPnl)

	storedOlder, err := st.GetTranche(ctx, older.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, storedOlder.Quantity, 1e-9)
}

func TestSyncExchangeLargerOnlyFlagsDrift(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	createLong(t, m, "BTCUSDT", 50000, 1.0)

	err := m.SyncWithExchange(ctx, "BTCUSDT", models.SideLong, models.ExchangePosition{
		Symbol:      "BTCUSDT",
		PositionAmt: 1.5,
		MarkPrice:   50000,
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Equal(t, models.SyncDrift, g.SyncStatus)
	assert.Len(t, g.Active, 1)
	assert.InDelta(t, 1.0, g.TotalQuantity, 1e-9)
	assert.InDelta(t, 1.5, g.LastExchangeQuantity, 1e-9)
}

func TestSyncIsolatedQuantityCountsAsLocal(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	tr := createLong(t, m, "BTCUSDT", 50000, 2.0)
	require.NoError(t, m.IsolateTranche(ctx, tr.ID, 47000))

	// Exchange matches the isolated quantity exactly: no drift.
	err := m.SyncWithExchange(ctx, "BTCUSDT", models.SideLong, models.ExchangePosition{
		Symbol:      "BTCUSDT",
		PositionAmt: 2.0,
		MarkPrice:   47000,
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Equal(t, models.SyncSynced, g.SyncStatus)
	assert.Len(t, g.Isolated, 1)
}

func TestSyncFallsBackToOracleForMarkPrice(t *testing.T) {
	oracle := &stubOracle{prices: map[string]float64{"BTCUSDT": 49000}}
	m, st := newTestManager(t, oracle)
	ctx := context.Background()

	tr := createLong(t, m, "BTCUSDT", 50000, 1.0)

	err := m.SyncWithExchange(ctx, "BTCUSDT", models.SideLong, models.ExchangePosition{
		Symbol:      "BTCUSDT",
		PositionAmt: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, oracle.calls)

	stored, err := st.GetTranche(ctx, tr.ID)
	require.NoError(t, err)
	assert.InDelta(t, 49000.0, stored.ExitPrice, 1e-9)
}
