package models

import "time"

// EventType classifies a tranche audit event.
type EventType string

const (
	EventCreated    EventType = "created"
	EventIsolated   EventType = "isolated"
	EventClosed     EventType = "closed"
	EventLiquidated EventType = "liquidated"
	EventUpdated    EventType = "updated"
)

// TrancheEvent is one append-only audit record for a tranche.
type TrancheEvent struct {
	ID        string
	TrancheID string
	EventType EventType
	EventTime time.Time
	Price     float64
	Quantity  float64
	Pnl       float64
	Trigger   string            // free-text cause: an order id, "isolation_threshold", ...
	Metadata  map[string]string // opaque extra context, stored as JSON
}
