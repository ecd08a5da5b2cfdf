package models

import "time"

// GroupKey identifies a tranche group. It is used directly as a map key
// so symbols containing separators can never collide.
type GroupKey struct {
	Symbol string
	Side   Side
}

// TrancheGroup aggregates all tranches sharing one (symbol, side) pair.
// Derived metrics are summed over the active (non-isolated) partition only
// and must be recomputed after every mutation.
type TrancheGroup struct {
	Key GroupKey

	Tranches []*Tranche // all, including terminal
	Active   []*Tranche // status=active, not isolated
	Isolated []*Tranche // status=active, isolated

	TotalQuantity      float64
	TotalMarginUsed    float64
	WeightedAvgEntry   float64
	TotalUnrealizedPnl float64

	LastExchangeQuantity float64
	LastExchangeSync     time.Time
	SyncStatus           SyncStatus
}

// NewTrancheGroup creates an empty group for a (symbol, side) pair.
func NewTrancheGroup(key GroupKey) *TrancheGroup {
	return &TrancheGroup{Key: key, SyncStatus: SyncSynced}
}

// Insert adds a tranche to the group and its matching partition,
// then recomputes the derived metrics.
func (g *TrancheGroup) Insert(t *Tranche) {
	g.Tranches = append(g.Tranches, t)
	if t.IsActive() {
		if t.Isolated {
			g.Isolated = append(g.Isolated, t)
		} else {
			g.Active = append(g.Active, t)
		}
	}
	g.Recompute()
}

// MoveToIsolated moves a tranche from the active to the isolated partition.
func (g *TrancheGroup) MoveToIsolated(t *Tranche) {
	g.Active = removeTranche(g.Active, t.ID)
	if !containsTranche(g.Isolated, t.ID) {
		g.Isolated = append(g.Isolated, t)
	}
	g.Recompute()
}

// RemoveFromPartitions drops a tranche from both live partitions after it
// reaches a terminal status. The tranche stays in Tranches for history.
func (g *TrancheGroup) RemoveFromPartitions(id string) {
	g.Active = removeTranche(g.Active, id)
	g.Isolated = removeTranche(g.Isolated, id)
	g.Recompute()
}

// Recompute recalculates the derived metrics from the active partition.
func (g *TrancheGroup) Recompute() {
	var qty, margin, weighted, upnl float64
	for _, t := range g.Active {
		qty += t.Quantity
		margin += t.MarginUsed
		weighted += t.EntryPrice * t.Quantity
		upnl += t.UnrealizedPnl
	}
	g.TotalQuantity = qty
	g.TotalMarginUsed = margin
	g.TotalUnrealizedPnl = upnl
	if qty > 0 {
		g.WeightedAvgEntry = weighted / qty
	} else {
		g.WeightedAvgEntry = 0
	}
}

// FindTranche returns the tranche with the given id, or nil.
func (g *TrancheGroup) FindTranche(id string) *Tranche {
	for _, t := range g.Tranches {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func removeTranche(list []*Tranche, id string) []*Tranche {
	for i, t := range list {
		if t.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func containsTranche(list []*Tranche, id string) bool {
	for _, t := range list {
		if t.ID == id {
			return true
		}
	}
	return false
}
