package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/governance"
)

// MemoryStore is the in-memory Store used in tests and single-process
// deployments. All conditional transitions happen under one mutex, so
// the exactly-once guarantees hold without a database.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	votes    map[string][]Vote
	voted    map[string]map[string]bool // approvalID -> voterID
	notified map[string]bool            // expiry warning already fired
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore initialises an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		votes:    make(map[string][]Vote),
		voted:    make(map[string]map[string]bool),
		notified: make(map[string]bool),
	}
}

func (s *MemoryStore) Insert(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return fmt.Errorf("%w: approval %s already exists", governance.ErrValidation, r.ID)
	}
	cp := r
	s.requests[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: approval %s", governance.ErrNotFound, id)
	}
	return *r, nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.TargetUserID != "" && r.TargetUserID != f.TargetUserID {
			continue
		}
		if f.InitiatorID != "" && r.InitiatorID != f.InitiatorID {
			continue
		}
		out = append(out, *r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertVote(_ context.Context, v Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[v.ApprovalID]; !ok {
		return fmt.Errorf("%w: approval %s", governance.ErrNotFound, v.ApprovalID)
	}
	byVoter := s.voted[v.ApprovalID]
	if byVoter == nil {
		byVoter = make(map[string]bool)
		s.voted[v.ApprovalID] = byVoter
	}
	if byVoter[v.VoterID] {
		return fmt.Errorf("%w: voter %s on approval %s", governance.ErrAlreadyVoted, v.VoterID, v.ApprovalID)
	}
	byVoter[v.VoterID] = true
	s.votes[v.ApprovalID] = append(s.votes[v.ApprovalID], v)
	return nil
}

func (s *MemoryStore) Votes(_ context.Context, approvalID string) ([]Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Vote, len(s.votes[approvalID]))
	copy(out, s.votes[approvalID])
	return out, nil
}

func (s *MemoryStore) AddApproval(_ context.Context, id string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return 0, 0, fmt.Errorf("%w: approval %s", governance.ErrNotFound, id)
	}
	if r.Status != StatusPending {
		return 0, 0, governance.ErrAlreadyCompleted
	}
	if r.CurrentApprovals < r.RequiredApprovals {
		r.CurrentApprovals++
	}
	return r.CurrentApprovals, r.RequiredApprovals, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false, fmt.Errorf("%w: approval %s", governance.ErrNotFound, id)
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

func (s *MemoryStore) ExpireDue(_ context.Context, now time.Time) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Request
	for _, r := range s.requests {
		if r.Status != StatusPending || r.ExpiresAt.After(now) {
			continue
		}
		r.Status = StatusExpired
		ts := now
		r.CompletedAt = &ts
		expired = append(expired, *r)
	}
	return expired, nil
}

func (s *MemoryStore) PendingExpiringBefore(_ context.Context, deadline time.Time) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Status != StatusPending || s.notified[r.ID] || r.ExpiresAt.After(deadline) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryStore) MarkExpiryNotified(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notified[id] {
		return false, nil
	}
	s.notified[id] = true
	return true, nil
}
