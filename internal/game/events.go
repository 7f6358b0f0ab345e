package game

import "sync"

// EventKind identifies the type of session notification.
type EventKind string

const (
	EventSessionStarted    EventKind = "session_started"
	EventTokenInteracted   EventKind = "token_interacted"
	EventSelectionChanged  EventKind = "selection_changed"
	EventSelectionRejected EventKind = "selection_rejected" // overshoot
	EventSelectionFailed   EventKind = "selection_failed"   // manual confirm miss
	EventMatchFound        EventKind = "match_found"
	EventCellsCleared      EventKind = "cells_cleared"
	EventScoreChanged      EventKind = "score_changed"
	EventTimeChanged       EventKind = "time_changed"
	EventSessionEnded      EventKind = "session_ended"
)

// Event is an immutable notification for the presentation layer.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"sessionId"`
	Cells     []Coord   `json:"cells,omitempty"` // SelectionChanged members, CellsCleared coordinates
	Ordinal   int       `json:"ordinal,omitempty"`
	Score     int       `json:"score"`   // ScoreChanged new score, SessionEnded final score
	Elapsed   int       `json:"elapsed"` // TimeChanged seconds
	Rows      int       `json:"rows,omitempty"`
	Cols      int       `json:"cols,omitempty"`
}

// Subscription receives events from an EventBus.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// EventBus fans out events to all active subscribers. It is safe for
// concurrent use.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewEventBus creates an EventBus ready for use.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*Subscription]struct{})}
}

// Subscribe creates a new subscription with the given channel buffer size.
// Subscribing to a closed bus returns an already-closed subscription.
func (b *EventBus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish sends an event to all subscribers. If a subscriber's buffer is full
// the event is dropped for that subscriber so a slow client never stalls the
// session.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Close unsubscribes everyone. Later publishes are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.closed = true
}
