// Package stream provides typed publish/subscribe distribution of tranche
// lifecycle events.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/birdbathd/tranche-engine/internal/models"
)

// EventType identifies a tranche lifecycle event.
type EventType string

const (
	EventTrancheCreated            EventType = "trancheCreated"
	EventTrancheIsolated           EventType = "trancheIsolated"
	EventTrancheClosed             EventType = "trancheClosed"
	EventTranchePartialClose       EventType = "tranchePartialClose"
	EventTrancheAutoClosedRecovery EventType = "trancheAutoClosedRecovery"
)

// Event carries one tranche lifecycle notification. Tranche is a snapshot
// taken at publish time, safe to retain.
type Event struct {
	Type      EventType
	Tranche   models.Tranche
	Price     float64
	Quantity  float64
	Pnl       float64
	Timestamp time.Time
}

// HubConfig holds configuration for the event hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Hub fans out tranche events from the manager to multiple subscribers via
// channels. Publishing is non-blocking; slow consumers drop events rather
// than stalling the manager.
type Hub struct {
	config      HubConfig
	mu          sync.RWMutex
	subscribers []*Subscriber
	eventChan   chan Event
	done        chan struct{}
	started     bool

	metricsMu       sync.Mutex
	eventsReceived  uint64
	eventsBroadcast uint64
	eventsDropped   uint64
}

// Subscriber represents a channel subscriber with an optional type filter.
type Subscriber struct {
	ID           string
	Channel      chan Event
	Types        map[EventType]bool // empty means all
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a new event hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a new event hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	return &Hub{
		config:    config,
		eventChan: make(chan Event, config.BufferSize),
		done:      make(chan struct{}),
	}
}

// Start begins the hub's distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.eventChan:
			h.metricsMu.Lock()
			h.eventsReceived++
			h.metricsMu.Unlock()

			h.broadcast(ev)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}

	close(h.done)
	h.started = false

	for _, sub := range h.subscribers {
		close(sub.Channel)
	}
	h.subscribers = nil
}

// Subscribe registers a subscriber for the given event types. With no types
// it receives everything. The returned channel is closed on Stop.
func (h *Hub) Subscribe(types ...EventType) <-chan Event {
	return h.SubscribeWithID("", types...)
}

// SubscribeWithID registers a subscriber with a specific id.
func (h *Hub) SubscribeWithID(id string, types ...EventType) <-chan Event {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	sub := &Subscriber{
		ID:        id,
		Channel:   make(chan Event, h.config.SubscriberBufferSize),
		Types:     filter,
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers = append(h.subscribers, sub)
	h.mu.Unlock()

	return sub.Channel
}

// Unsubscribe removes a subscriber channel and closes it.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subscribers {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to the hub for distribution. Non-blocking: if the
// internal buffer is full the event is dropped.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case h.eventChan <- ev:
	default:
		h.metricsMu.Lock()
		h.eventsDropped++
		h.metricsMu.Unlock()
	}
}

// broadcast delivers an event to every matching subscriber with a
// non-blocking send so slow consumers cannot block the loop.
func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, len(h.subscribers))
	copy(subs, h.subscribers)
	h.mu.RUnlock()

	for _, sub := range subs {
		if len(sub.Types) > 0 && !sub.Types[ev.Type] {
			continue
		}
		select {
		case sub.Channel <- ev:
			h.metricsMu.Lock()
			h.eventsBroadcast++
			h.metricsMu.Unlock()
		default:
			sub.DroppedCount++
			h.metricsMu.Lock()
			h.eventsDropped++
			h.metricsMu.Unlock()
		}
	}
}

// Stats returns cumulative hub counters.
func (h *Hub) Stats() (received, broadcast, dropped uint64) {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return h.eventsReceived, h.eventsBroadcast, h.eventsDropped
}
