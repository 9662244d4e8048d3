// Package stream fans race lifecycle events out to live subscribers
// (SSE clients, dashboards). Delivery is best-effort: a slow subscriber
// drops events rather than blocking the race path.
package stream

import (
	"context"
	"sync"
	"time"
)

// EventKind labels a race event on the wire.
type EventKind string

const (
	EventRaceCreated EventKind = "race_created"
	EventHoldGranted EventKind = "hold_granted"
	EventHoldExpired EventKind = "hold_expired"
	EventAwarded     EventKind = "awarded"
	EventClosed      EventKind = "closed"
	EventCancelled   EventKind = "cancelled"
)

// RaceEvent is one item on the live feed.
type RaceEvent struct {
	Kind       EventKind `json:"kind"`
	RFQID      string    `json:"rfq_id"`
	SupplierID string    `json:"supplier_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs race events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan RaceEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan RaceEvent)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan RaceEvent {
	ch := make(chan RaceEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt RaceEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Emit builds and publishes an event stamped with the current time.
func (s *Stream) Emit(kind EventKind, rfqID, supplierID string) {
	s.Publish(RaceEvent{
		Kind:       kind,
		RFQID:      rfqID,
		SupplierID: supplierID,
		Timestamp:  time.Now().UTC(),
	})
}
