// Package notify fans out abstract governance events to collaborators
// (notification delivery, session invalidation). Delivery mechanics live
// outside this module; publishing never blocks a governance decision.
package notify

import (
	"context"
	"sync"
	"time"
)

// Event kinds consumed by external collaborators.
const (
	KindApprovalNeeded    = "approval-needed"
	KindApprovalCompleted = "approval-completed"
	KindApprovalExpiring  = "approval-expiring"
	KindReminderDue       = "reminder-due"
	KindDeletionScheduled = "deletion-scheduled"
	KindDeletionExecuted  = "deletion-executed"
	KindSessionInvalidate = "session-invalidate"
)

// Event is the abstract payload handed to collaborators.
type Event struct {
	Kind      string         `json:"kind"`
	UserID    string         `json:"user_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is the write side used by governance components.
type Publisher interface {
	Publish(evt Event)
}

// Stream fan-outs events to all active subscribers. Slow subscribers
// drop events rather than blocking a publisher; redelivery is the
// collaborator's problem, not the governance core's.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

var _ Publisher = (*Stream)(nil)

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

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
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
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
