package deletion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/governance"
)

// MemoryStore is the in-memory Store used in tests and single-process
// deployments.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*Record
	reminders map[string]map[time.Duration]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore initialises an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		reminders: make(map[string]map[time.Duration]bool),
	}
}

func (s *MemoryStore) Insert(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.UserID == r.UserID && existing.Status == StatusPending {
			return fmt.Errorf("%w: user %s already has a pending deletion", governance.ErrAlreadyCompleted, r.UserID)
		}
	}
	cp := r
	s.records[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: deletion %s", governance.ErrNotFound, id)
	}
	return *r, nil
}

func (s *MemoryStore) PendingByUser(_ context.Context, userID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.UserID == userID && r.Status == StatusPending {
			return *r, true, nil
		}
	}
	return Record{}, false, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("%w: deletion %s", governance.ErrNotFound, id)
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	if to.Terminal() {
		ts := completedAt
		r.CompletedAt = &ts
	}
	return true, nil
}

func (s *MemoryStore) ExecuteDue(_ context.Context, now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var executed []Record
	for _, r := range s.records {
		if r.Status != StatusPending || r.ExecuteAt.After(now) {
			continue
		}
		r.Status = StatusPurged
		ts := now
		r.CompletedAt = &ts
		executed = append(executed, *r)
	}
	return executed, nil
}

func (s *MemoryStore) Pending(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimReminder(_ context.Context, id string, offset time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := s.reminders[id]
	if sent == nil {
		sent = make(map[time.Duration]bool)
		s.reminders[id] = sent
	}
	if sent[offset] {
		return false, nil
	}
	sent[offset] = true
	return true, nil
}
