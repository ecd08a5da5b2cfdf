package tranche

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdbathd/tranche-engine/internal/config"
	"github.com/birdbathd/tranche-engine/internal/errors"
	"github.com/birdbathd/tranche-engine/internal/models"
	"github.com/birdbathd/tranche-engine/internal/store"
	"github.com/birdbathd/tranche-engine/internal/stream"
)

// stubOracle serves fixed prices and records lookups.
type stubOracle struct {
	prices map[string]float64
	err    error
	calls  int
}

func (o *stubOracle) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	o.calls++
	if o.err != nil {
		return 0, o.err
	}
	price, ok := o.prices[symbol]
	if !ok {
		return 0, errors.ErrPriceUnavailable
	}
	return price, nil
}

func testSymbols() map[string]config.SymbolConfig {
	btc := config.DefaultSymbolConfig()
	btc.TPPercent = 5
	btc.SLPercent = 2

	eth := config.DefaultSymbolConfig()
	eth.AutoCloseIsolated = true

	return map[string]config.SymbolConfig{
		"BTCUSDT": btc,
		"ETHUSDT": eth,
	}
}

func newTestManager(t *testing.T, oracle *stubOracle) (*Manager, store.TrancheStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tranches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if oracle == nil {
		oracle = &stubOracle{prices: map[string]float64{}}
	}
	m := NewManager(st, oracle, nil, nil, testSymbols(), zerolog.Nop())
	require.NoError(t, m.Initialize(context.Background()))
	return m, st
}

func createLong(t *testing.T, m *Manager, symbol string, entry, qty float64) *models.Tranche {
	t.Helper()
	tr, err := m.CreateTranche(context.Background(), symbol, models.OrderSideBuy,
		models.PositionSideBoth, entry, qty, entry*qty/10, 10, "")
	require.NoError(t, err)
	return tr
}

func TestCreateTrancheComputesRiskPrices(t *testing.T) {
	m, _ := newTestManager(t, nil)

	tr := createLong(t, m, "BTCUSDT", 50000, 1)
	assert.Equal(t, models.SideLong, tr.Side)
	assert.InDelta(t, 52500.0, tr.TPPrice, 1e-9)
	assert.InDelta(t, 49000.0, tr.SLPrice, 1e-9)

	short, err := m.CreateTranche(context.Background(), "BTCUSDT", models.OrderSideSell,
		models.PositionSideBoth, 50000, 1, 5000, 10, "")
	require.NoError(t, err)
	assert.Equal(t, models.SideShort, short.Side)
	assert.InDelta(t, 47500.0, short.TPPrice, 1e-9)
	assert.InDelta(t, 51000.0, short.SLPrice, 1e-9)
}

func TestCreateTrancheUnconfiguredSymbolFails(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.CreateTranche(context.Background(), "DOGEUSDT", models.OrderSideBuy,
		models.PositionSideBoth, 1, 100, 10, 10, "")
	assert.ErrorIs(t, err, errors.ErrSymbolNotConfigured)
}

func TestOperationsRequireInitialize(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tranches.db"))
	require.NoError(t, err)
	defer st.Close()

	m := NewManager(st, &stubOracle{}, nil, nil, testSymbols(), zerolog.Nop())
	_, err = m.CreateTranche(context.Background(), "BTCUSDT", models.OrderSideBuy,
		models.PositionSideBoth, 50000, 1, 5000, 10, "")
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
}

func TestProcessOrderFillClosesLIFO(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	older := createLong(t, m, "BTCUSDT", 50000, 1)
	time.Sleep(5 * time.Millisecond) // distinct entry times
	newer := createLong(t, m, "BTCUSDT", 51000, 1)

	err := m.ProcessOrderFill(ctx, models.OrderFill{
		Symbol:      "BTCUSDT",
		Side:        models.OrderSideSell,
		Quantity:    1,
		Price:       51500,
		RealizedPnl: 500,
		OrderID:     "fill-1",
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	require.NotNil(t, g)
	assert.Len(t, g.Active, 1)
	assert.Equal(t, older.ID, g.Active[0].ID)

	closed := g.FindTranche(newer.ID)
	require.NotNil(t, closed)
	assert.Equal(t, models.StatusClosed, closed.Status)
	assert.InDelta(t, 500.0, closed.RealizedPnl, 1e-9)
}

func TestProcessOrderFillProRataAcrossTranches(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	createLong(t, m, "BTCUSDT", 50000, 1.5)
	time.Sleep(5 * time.Millisecond)
	createLong(t, m, "BTCUSDT", 51000, 1.0)

	fillPnl := 1000.0
	err := m.ProcessOrderFill(ctx, models.OrderFill{
		Symbol:      "BTCUSDT",
		Side:        models.OrderSideSell,
		Quantity:    2.0,
		Price:       52000,
		RealizedPnl: fillPnl,
		OrderID:     "fill-2",
	})
	require.NoError(t, err)

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	require.NotNil(t, g)

	// Newest tranche (qty 1.0) closes fully, oldest loses 1.0 of 1.5.
	var total float64
	for _, tr := range g.Tranches {
		total += tr.RealizedPnl
	}
	assert.InDelta(t, fillPnl, total, 1e-9)
	assert.Len(t, g.Active, 1)
	assert.InDelta(t, 0.5, g.Active[0].Quantity, 1e-9)
	assert.InDelta(t, 0.5, g.TotalQuantity, 1e-9)
}

func TestIsolationBoundaryIsInclusive(t *testing.T) {
	m, _ := newTestManager(t, nil)

	tr := createLong(t, m, "BTCUSDT", 50000, 1)

	// Exactly -5% triggers; just above does not.
	assert.True(t, m.ShouldIsolateTranche(tr, 47500))
	assert.False(t, m.ShouldIsolateTranche(tr, 47500.5))
}

func TestCheckIsolationForSymbol(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	tr := createLong(t, m, "BTCUSDT", 50000, 1)
	m.CheckIsolationForSymbol(ctx, "BTCUSDT", 47400) // -5.2%

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	require.Len(t, g.Isolated, 1)
	assert.Empty(t, g.Active)
	assert.Zero(t, g.TotalQuantity)

	stored, err := st.GetTranche(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Isolated)
	assert.InDelta(t, 47400.0, stored.IsolationPrice, 1e-9)
}

func TestIsolateIsIdempotent(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	tr := createLong(t, m, "BTCUSDT", 50000, 1)
	require.NoError(t, m.IsolateTranche(ctx, tr.ID, 47000))
	require.NoError(t, m.IsolateTranche(ctx, tr.ID, 46000))

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Len(t, g.Isolated, 1)

	history, err := st.GetTrancheHistory(ctx, tr.ID)
	require.NoError(t, err)
	var isolationEvents int
	for _, ev := range history {
		if ev.EventType == models.EventIsolated {
			isolationEvents++
		}
	}
	assert.Equal(t, 1, isolationEvents)
}

func TestIsolateUnknownTrancheIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, nil)
	assert.NoError(t, m.IsolateTranche(context.Background(), "missing", 1))
	assert.NoError(t, m.CloseTranche(context.Background(), "missing", 1, 0, 0, ""))
}

func TestRecoveryRequiresAutoCloseFlag(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	// BTCUSDT has auto_close_isolated disabled.
	btc := createLong(t, m, "BTCUSDT", 50000, 1)
	require.NoError(t, m.IsolateTranche(ctx, btc.ID, 47400))
	assert.False(t, m.ShouldRecoverTranche(btc, 50300))

	m.CheckRecoveryForSymbol(ctx, "BTCUSDT", 50300)
	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Len(t, g.Isolated, 1)
}

func TestRecoveryAutoClosesAtThreshold(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	// ETHUSDT has auto_close_isolated enabled, recovery threshold 0.5%.
	tr, err := m.CreateTranche(ctx, "ETHUSDT", models.OrderSideBuy,
		models.PositionSideBoth, 50000, 1, 5000, 10, "")
	require.NoError(t, err)
	require.NoError(t, m.IsolateTranche(ctx, tr.ID, 47400))

	// +0.6% clears the 0.5% recovery threshold.
	require.NoError(t, m.UpdateUnrealizedPnl(ctx, "ETHUSDT", 50300))

	g := m.GetTrancheGroup("ETHUSDT", models.SideLong)
	assert.Empty(t, g.Isolated)
	assert.Empty(t, g.Active)

	stored, err := st.GetTranche(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, stored.Status)
	assert.InDelta(t, 300.0, stored.RealizedPnl, 1e-9)
}

func TestRecoveryBelowThresholdDoesNothing(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	tr, err := m.CreateTranche(ctx, "ETHUSDT", models.OrderSideBuy,
		models.PositionSideBoth, 50000, 1, 5000, 10, "")
	require.NoError(t, err)
	require.NoError(t, m.IsolateTranche(ctx, tr.ID, 47400))

	m.CheckRecoveryForSymbol(ctx, "ETHUSDT", 50100) // +0.2%, below 0.5%
	g := m.GetTrancheGroup("ETHUSDT", models.SideLong)
	assert.Len(t, g.Isolated, 1)
}

func TestCanOpenNewTrancheLimits(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	allowed, _ := m.CanOpenNewTranche("BTCUSDT", models.SideLong)
	assert.True(t, allowed)

	// Symbols without tranche management are always allowed.
	allowed, _ = m.CanOpenNewTranche("DOGEUSDT", models.SideLong)
	assert.True(t, allowed)

	for i := 0; i < 3; i++ {
		createLong(t, m, "BTCUSDT", 50000+float64(i), 1)
	}
	allowed, reason := m.CanOpenNewTranche("BTCUSDT", models.SideLong)
	assert.False(t, allowed)
	assert.Equal(t, "max tranches reached", reason)

	// Isolating two of them frees active slots but trips the
	// isolated-tranche gate.
	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	require.NoError(t, m.IsolateTranche(ctx, g.Active[0].ID, 40000))
	require.NoError(t, m.IsolateTranche(ctx, g.Active[1].ID, 40000))

	allowed, reason = m.CanOpenNewTranche("BTCUSDT", models.SideLong)
	assert.False(t, allowed)
	assert.Equal(t, "max isolated tranches reached", reason)
}

func TestUpdateUnrealizedPnlRefreshesGroup(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	a := createLong(t, m, "BTCUSDT", 50000, 1)
	b := createLong(t, m, "BTCUSDT", 52000, 2)

	require.NoError(t, m.UpdateUnrealizedPnl(ctx, "BTCUSDT", 51000))

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.InDelta(t, 1000.0-2000.0, g.TotalUnrealizedPnl, 1e-9)

	storedA, err := st.GetTranche(ctx, a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, storedA.UnrealizedPnl, 1e-9)
	storedB, err := st.GetTranche(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, -2000.0, storedB.UnrealizedPnl, 1e-9)
}

func TestGetBestEntryTranche(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	createLong(t, m, "BTCUSDT", 50000, 1)
	createLong(t, m, "BTCUSDT", 49000, 1)
	createLong(t, m, "BTCUSDT", 51000, 1)

	best := m.GetBestEntryTranche("BTCUSDT", models.SideLong)
	require.NotNil(t, best)
	assert.InDelta(t, 49000.0, best.EntryPrice, 1e-9)

	_, err := m.CreateTranche(ctx, "BTCUSDT", models.OrderSideSell,
		models.PositionSideBoth, 50000, 1, 5000, 10, "")
	require.NoError(t, err)
	_, err = m.CreateTranche(ctx, "BTCUSDT", models.OrderSideSell,
		models.PositionSideBoth, 52000, 1, 5200, 10, "")
	require.NoError(t, err)

	best = m.GetBestEntryTranche("BTCUSDT", models.SideShort)
	require.NotNil(t, best)
	assert.InDelta(t, 52000.0, best.EntryPrice, 1e-9)

	assert.Nil(t, m.GetBestEntryTranche("ETHUSDT", models.SideLong))
}

func TestInitializeRebuildsFromStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tranches.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	m := NewManager(st, &stubOracle{}, nil, nil, testSymbols(), zerolog.Nop())
	require.NoError(t, m.Initialize(context.Background()))

	tr := createLong(t, m, "BTCUSDT", 50000, 1)
	iso := createLong(t, m, "BTCUSDT", 51000, 2)
	require.NoError(t, m.IsolateTranche(context.Background(), iso.ID, 48000))
	require.NoError(t, st.Close())

	// A fresh manager over the same database rebuilds groups and partitions.
	st2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer st2.Close()

	m2 := NewManager(st2, &stubOracle{}, nil, nil, testSymbols(), zerolog.Nop())
	require.NoError(t, m2.Initialize(context.Background()))
	require.NoError(t, m2.Initialize(context.Background())) // idempotent

	g := m2.GetTrancheGroup("BTCUSDT", models.SideLong)
	require.NotNil(t, g)
	assert.Len(t, g.Active, 1)
	assert.Len(t, g.Isolated, 1)
	assert.Equal(t, tr.ID, g.Active[0].ID)
	assert.InDelta(t, 1.0, g.TotalQuantity, 1e-9)
}

func TestLiquidateTranche(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	tr := createLong(t, m, "BTCUSDT", 50000, 1)
	require.NoError(t, m.LiquidateTranche(ctx, tr.ID, 44000))

	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.Empty(t, g.Active)

	stored, err := st.GetTranche(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLiquidated, stored.Status)

	// Terminal states are immutable.
	require.NoError(t, m.CloseTranche(ctx, tr.ID, 45000, 0, 0, ""))
	stored, err = st.GetTranche(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLiquidated, stored.Status)
}

func TestEventsPublishedToHub(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tranches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := stream.NewHub()
	hub.Start(context.Background())
	defer hub.Stop()
	ch := hub.Subscribe(stream.EventTrancheCreated, stream.EventTrancheClosed)

	m := NewManager(st, &stubOracle{}, hub, nil, testSymbols(), zerolog.Nop())
	require.NoError(t, m.Initialize(context.Background()))

	tr := createLong(t, m, "BTCUSDT", 50000, 1)

	select {
	case ev := <-ch:
		assert.Equal(t, stream.EventTrancheCreated, ev.Type)
		assert.Equal(t, tr.ID, ev.Tranche.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for created event")
	}

	require.NoError(t, m.CloseTranche(context.Background(), tr.ID, 51000, 1000, 0, "ord"))
	select {
	case ev := <-ch:
		assert.Equal(t, stream.EventTrancheClosed, ev.Type)
		assert.InDelta(t, 1000.0, ev.Pnl, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for closed event")
	}
}

func TestMonitorTickSkipsFailingSymbol(t *testing.T) {
	oracle := &stubOracle{prices: map[string]float64{"ETHUSDT": 3000}}
	m, _ := newTestManager(t, oracle)
	ctx := context.Background()

	createLong(t, m, "BTCUSDT", 50000, 1) // no price available
	_, err := m.CreateTranche(ctx, "ETHUSDT", models.OrderSideBuy,
		models.PositionSideBoth, 2900, 1, 290, 10, "")
	require.NoError(t, err)

	m.MonitorTick(ctx)

	// ETHUSDT still updated even though BTCUSDT's price lookup failed.
	g := m.GetTrancheGroup("ETHUSDT", models.SideLong)
	assert.InDelta(t, 100.0, g.TotalUnrealizedPnl, 1e-9)
}

func TestStartStopIsolationMonitoring(t *testing.T) {
	oracle := &stubOracle{prices: map[string]float64{"BTCUSDT": 50000}}
	m, _ := newTestManager(t, oracle)

	createLong(t, m, "BTCUSDT", 50000, 1)

	m.StartIsolationMonitoring(10 * time.Millisecond)
	m.StartIsolationMonitoring(10 * time.Millisecond) // second start is a no-op

	assert.Eventually(t, func() bool { return oracle.calls > 0 },
		2*time.Second, 5*time.Millisecond)

	m.StopIsolationMonitoring()
	m.StopIsolationMonitoring() // second stop is a no-op
}
