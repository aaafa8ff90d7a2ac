package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
)

// Ledger is the append-only, hash-chained record of every privileged
// action. There is deliberately no update or delete operation.
type Ledger interface {
	// Append writes one entry atomically and returns it with sequence,
	// prev hash and hash assigned. The sequence is strictly increasing
	// and gapless even under concurrent appenders.
	Append(ctx context.Context, evt Event) (Entry, error)

	// VerifyChain recomputes hashes over the stored fields of entries in
	// [fromSeq, toSeq] (0 means unbounded) and checks chain links and
	// sequence continuity. Read-only; safe to run concurrently with
	// appends.
	VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (VerifyResult, error)

	// Query returns entries matching the filter in sequence order.
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// InMemory implements Ledger with in-process concurrency safety. The
// durable implementation lives in internal/store/pg.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

var _ Ledger = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{now: time.Now}
}

// SetClock overrides the time source. Test use only.
func (l *InMemory) SetClock(fn func() time.Time) { l.now = fn }

func (l *InMemory) Append(ctx context.Context, evt Event) (Entry, error) {
	if err := validateEvent(evt); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := GenesisHash
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}
	e := Entry{
		Seq:        uint64(len(l.entries)) + 1,
		OccurredAt: l.now().UTC().Truncate(time.Microsecond),
		ActorID:    evt.ActorID,
		EventType:  evt.EventType,
		TargetID:   evt.TargetID,
		OldValue:   evt.OldValue,
		NewValue:   evt.NewValue,
		Severity:   evt.Severity,
		PrevHash:   prevHash,
	}
	e.Hash = ComputeHash(prevHash, e)
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *InMemory) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (VerifyResult, error) {
	l.mu.RLock()
	snapshot := make([]Entry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.RUnlock()

	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 || toSeq > uint64(len(snapshot)) {
		toSeq = uint64(len(snapshot))
	}
	if fromSeq > toSeq {
		return VerifyResult{Valid: true}, nil
	}
	window := snapshot[fromSeq-1 : toSeq]

	// Anchor at genesis when verifying from the start, otherwise trust
	// the first entry's stored link and verify forward from there.
	prevHash := GenesisHash
	if fromSeq > 1 {
		prevHash = window[0].PrevHash
	}
	res := verifySlice(prevHash, window)
	if !res.Valid {
		obs.ChainVerifyFailures.Inc()
		obs.LogEvent(map[string]any{
			"event":         "audit.chain_broken",
			"broken_at_seq": res.BrokenAtSeq,
			"checked_from":  res.CheckedFrom,
			"checked_to":    res.CheckedTo,
		})
	}
	return res, nil
}

func (l *InMemory) Query(ctx context.Context, f Filter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var res []Entry
	for _, e := range l.entries {
		if !matches(e, f) {
			continue
		}
		res = append(res, e)
		if f.Limit > 0 && len(res) >= f.Limit {
			break
		}
	}
	return res, nil
}

func matches(e Entry, f Filter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.OccurredAt.After(f.To) {
		return false
	}
	return true
}

func validateEvent(evt Event) error {
	if evt.EventType == "" {
		return fmt.Errorf("%w: event_type is required", governance.ErrValidation)
	}
	if evt.ActorID == "" {
		return fmt.Errorf("%w: actor_id is required", governance.ErrValidation)
	}
	if evt.Severity == "" {
		return fmt.Errorf("%w: severity is required", governance.ErrValidation)
	}
	return nil
}
