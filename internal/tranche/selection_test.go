package tranche

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdbathd/tranche-engine/internal/models"
)

func activeTranches(quantities ...float64) []*models.Tranche {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*models.Tranche, len(quantities))
	for i, q := range quantities {
		out[i] = &models.Tranche{
			ID:            string(rune('a' + i)),
			Symbol:        "BTCUSDT",
			Side:          models.SideLong,
			EntryPrice:    50000 + float64(i)*100,
			Quantity:      q,
			EntryTime:     base.Add(time.Duration(i) * time.Minute),
			UnrealizedPnl: float64(i-1) * 100,
			Status:        models.StatusActive,
		}
	}
	return out
}

func TestSelectByStrategyLIFOOrdering(t *testing.T) {
	active := activeTranches(1, 1, 1)

	selected := selectByStrategy(active, 2, models.ClosingLIFO)
	require.Len(t, selected, 2)
	assert.Equal(t, "c", selected[0].ID)
	assert.Equal(t, "b", selected[1].ID)
}

func TestSelectByStrategyMinimalPrefix(t *testing.T) {
	active := activeTranches(0.5, 2, 1)

	// Newest first: c (1), b (2), a (0.5). 1.5 needs c and part of b.
	selected := selectByStrategy(active, 1.5, models.ClosingLIFO)
	require.Len(t, selected, 2)
	assert.Equal(t, "c", selected[0].ID)
	assert.Equal(t, "b", selected[1].ID)

	// Exactly covered by the newest tranche alone.
	selected = selectByStrategy(active, 1, models.ClosingLIFO)
	require.Len(t, selected, 1)
	assert.Equal(t, "c", selected[0].ID)
}

func TestSelectByStrategyExceedsTotal(t *testing.T) {
	active := activeTranches(1, 1)
	selected := selectByStrategy(active, 10, models.ClosingLIFO)
	assert.Len(t, selected, 2)
}

func TestSelectByStrategyZeroQuantity(t *testing.T) {
	active := activeTranches(1, 1)
	assert.Nil(t, selectByStrategy(active, 0, models.ClosingLIFO))
	assert.Nil(t, selectByStrategy(nil, 1, models.ClosingLIFO))
}

func TestSelectByStrategyAlternativeOrderings(t *testing.T) {
	active := activeTranches(1, 1, 1) // unrealized pnl: -100, 0, +100

	selected := selectByStrategy(active, 1, models.ClosingFIFO)
	require.Len(t, selected, 1)
	assert.Equal(t, "a", selected[0].ID)

	selected = selectByStrategy(active, 1, models.ClosingWorstFirst)
	require.Len(t, selected, 1)
	assert.Equal(t, "a", selected[0].ID)

	selected = selectByStrategy(active, 1, models.ClosingBestFirst)
	require.Len(t, selected, 1)
	assert.Equal(t, "c", selected[0].ID)
}

func TestSelectByStrategyDoesNotMutateInput(t *testing.T) {
	active := activeTranches(1, 1, 1)
	selectByStrategy(active, 3, models.ClosingLIFO)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)
	assert.Equal(t, "c", active[2].ID)
}

func TestSelectTranchesToCloseReturnsSnapshots(t *testing.T) {
	m, _ := newTestManager(t, nil)

	createLong(t, m, "BTCUSDT", 50000, 1)
	time.Sleep(5 * time.Millisecond)
	newest := createLong(t, m, "BTCUSDT", 51000, 1)

	selected := m.SelectTranchesToClose("BTCUSDT", models.SideLong, 1)
	require.Len(t, selected, 1)
	assert.Equal(t, newest.ID, selected[0].ID)

	// Mutating the snapshot must not touch manager state.
	selected[0].Quantity = 999
	g := m.GetTrancheGroup("BTCUSDT", models.SideLong)
	assert.InDelta(t, 2.0, g.TotalQuantity, 1e-9)

	assert.Nil(t, m.SelectTranchesToClose("ETHUSDT", models.SideLong, 1))
}
