package lattice

import (
	"sync"

	"github.com/google/uuid"
)

// StreamConfig configures the subscriber fan-out.
type StreamConfig struct {
	// BufferSize is the channel buffer size per subscription. Full buffers
	// drop events: delivery is at-most-once and best-effort.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultStreamConfig returns default fan-out configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{BufferSize: 1000}
}

// EventFilter narrows which change events a subscription receives. Zero
// fields match everything. Series applies only to point events, BBox only to
// feature events (inclusive intersection).
type EventFilter struct {
	Kind   RecordKind   `json:"kind,omitempty"`
	Series string       `json:"series,omitempty"`
	BBox   *BoundingBox `json:"bbox,omitempty"`
}

// Subscription is a live change-event subscription on one database.
type Subscription struct {
	ID       string
	Database string
	Filter   EventFilter

	ch     chan ChangeEvent
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// C returns the channel for receiving events.
func (s *Subscription) C() <-chan ChangeEvent {
	return s.ch
}

// Done is closed when the subscription is removed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close marks the subscription finished: Done is closed and delivery stops.
// The event channel stays open so concurrent publishes never send on a
// closed channel; undrained buffered events are discarded with the
// subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Hub is the fan-out registry of live subscriptions, keyed by database.
// Ordering is preserved only within a single database's event stream; events
// for removed subscriptions are silently dropped.
type Hub struct {
	bufferSize int

	mu   sync.RWMutex
	subs map[string]*Subscription
	byDB map[string]map[string]*Subscription
}

// NewHub creates a fan-out hub.
func NewHub(cfg StreamConfig) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultStreamConfig().BufferSize
	}
	return &Hub{
		bufferSize: cfg.BufferSize,
		subs:       make(map[string]*Subscription),
		byDB:       make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a subscription for db events matching filter.
func (h *Hub) Subscribe(db string, filter EventFilter) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		Database: db,
		Filter:   filter,
		ch:       make(chan ChangeEvent, h.bufferSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	dbSubs := h.byDB[db]
	if dbSubs == nil {
		dbSubs = make(map[string]*Subscription)
		h.byDB[db] = dbSubs
	}
	dbSubs[sub.ID] = sub
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscription. Removing an unknown id is a no-op.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		if dbSubs, ok := h.byDB[sub.Database]; ok {
			delete(dbSubs, id)
			if len(dbSubs) == 0 {
				delete(h.byDB, sub.Database)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish delivers event to every matching subscription on its database.
// Sends never block: a full subscriber buffer drops the event.
func (h *Hub) Publish(event ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.byDB[event.Database] {
		if !matchesFilter(sub.Filter, event) {
			continue
		}
		// A closed subscription still registered here gets nothing.
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.ch <- event:
		case <-sub.done:
		default:
			// Buffer full, drop the event.
		}
	}
}

func matchesFilter(f EventFilter, event ChangeEvent) bool {
	if f.Kind != "" && f.Kind != event.Kind {
		return false
	}
	if f.Series != "" && event.Kind == RecordKindPoint && f.Series != event.Series {
		return false
	}
	if f.BBox != nil && event.Kind == RecordKindFeature {
		if event.BBox == nil || !f.BBox.Intersects(*event.BBox) {
			return false
		}
	}
	return true
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CountDB returns the number of active subscriptions for db.
func (h *Hub) CountDB(db string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byDB[db])
}

// List returns all active subscription IDs.
func (h *Hub) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}
