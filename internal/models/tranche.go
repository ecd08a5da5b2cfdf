// Package models provides domain models for the tranche engine.
package models

import "time"

// Side represents the direction of a tranche.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionSide is the exchange-facing position side (hedge vs one-way mode).
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

// OrderSide represents the side of an order fill.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// TrancheStatus represents the lifecycle state of a tranche.
// Transitions are one-way: active -> closed or active -> liquidated.
type TrancheStatus string

const (
	StatusActive     TrancheStatus = "active"
	StatusClosed     TrancheStatus = "closed"
	StatusLiquidated TrancheStatus = "liquidated"
)

// SyncStatus reports how a group compares to the exchange aggregate position.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncDrift    SyncStatus = "drift"
	SyncConflict SyncStatus = "conflict"
)

// ClosingStrategy selects which tranches close first on an opposing fill.
type ClosingStrategy string

const (
	ClosingLIFO       ClosingStrategy = "LIFO"
	ClosingFIFO       ClosingStrategy = "FIFO"
	ClosingWorstFirst ClosingStrategy = "WORST_FIRST"
	ClosingBestFirst  ClosingStrategy = "BEST_FIRST"
)

// Tranche is one virtual sub-position within a combined exchange position.
type Tranche struct {
	ID           string
	Symbol       string
	Side         Side
	PositionSide PositionSide

	EntryPrice   float64
	Quantity     float64 // base-asset units, reduced on partial close
	MarginUsed   float64
	Leverage     float64
	EntryTime    time.Time
	EntryOrderID string

	ExitPrice   float64
	ExitTime    time.Time
	ExitOrderID string

	UnrealizedPnl float64
	RealizedPnl   float64

	// TP/SL are fixed at entry and never recomputed.
	TPPercent float64
	SLPercent float64
	TPPrice   float64
	SLPrice   float64

	Status         TrancheStatus
	Isolated       bool
	IsolationTime  time.Time
	IsolationPrice float64

	Notes string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the tranche is still open.
func (t *Tranche) IsActive() bool {
	return t.Status == StatusActive
}

// PnlPercent returns the signed percent move of mark against entry,
// positive when the tranche is in profit.
func (t *Tranche) PnlPercent(mark float64) float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	if t.Side == SideLong {
		return (mark - t.EntryPrice) / t.EntryPrice * 100
	}
	return (t.EntryPrice - mark) / t.EntryPrice * 100
}

// UnrealizedAt returns the unrealized P&L of the tranche at the given mark price.
func (t *Tranche) UnrealizedAt(mark float64) float64 {
	if t.Side == SideLong {
		return (mark - t.EntryPrice) * t.Quantity
	}
	return (t.EntryPrice - mark) * t.Quantity
}
