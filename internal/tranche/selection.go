package tranche

import (
	"sort"

	"github.com/birdbathd/tranche-engine/internal/models"
)

// SelectTranchesToClose returns the active tranches that an opposing fill of
// quantityToClose would reduce, ordered newest entry first (LIFO). The
// cumulative quantity of the returned tranches is the minimal prefix that
// reaches or exceeds the requested quantity.
//
// The close-selection algorithm is LIFO regardless of the configured
// ClosingStrategy; the strategy knob is carried as declared configuration
// only. See selectByStrategy.
func (m *Manager) SelectTranchesToClose(symbol string, side models.Side, quantityToClose float64) []models.Tranche {
	key := models.GroupKey{Symbol: symbol, Side: side}
	lock := m.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	g := m.group(key, false)
	if g == nil {
		return nil
	}
	selected := selectByStrategy(g.Active, quantityToClose, models.ClosingLIFO)
	out := make([]models.Tranche, 0, len(selected))
	for _, t := range selected {
		out = append(out, *t)
	}
	return out
}

// selectByStrategy orders the candidates and greedily accumulates the
// minimal prefix whose quantity covers the request. Only LIFO ordering is
// wired to callers today; the other orderings back the declared strategy
// enum.
func selectByStrategy(active []*models.Tranche, quantity float64, strategy models.ClosingStrategy) []*models.Tranche {
	if quantity <= 0 || len(active) == 0 {
		return nil
	}

	sorted := make([]*models.Tranche, len(active))
	copy(sorted, active)

	switch strategy {
	case models.ClosingFIFO:
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].EntryTime.Before(sorted[j].EntryTime)
		})
	case models.ClosingWorstFirst:
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].UnrealizedPnl < sorted[j].UnrealizedPnl
		})
	case models.ClosingBestFirst:
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].UnrealizedPnl > sorted[j].UnrealizedPnl
		})
	default: // LIFO
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].EntryTime.After(sorted[j].EntryTime)
		})
	}

	var selected []*models.Tranche
	var accumulated float64
	for _, t := range sorted {
		if accumulated >= quantity {
			break
		}
		selected = append(selected, t)
		accumulated += t.Quantity
	}
	return selected
}
