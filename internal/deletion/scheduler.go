// Package deletion runs the cooling-off state machine for account
// deletions: schedule, single-use cancellation, staged reminders and the
// final irreversible purge.
package deletion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/credtoken"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/ids"
	"github.com/czhaoca/pathfinder-sub004/internal/notify"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

// Store describes persistence operations required by the scheduler.
// Every state change is a conditional write guarded on the current
// status, so concurrent cancel/execute races resolve to one winner.
type Store interface {
	// Insert persists a new record; fails with governance.ErrAlreadyCompleted
	// when the user already has a pending deletion.
	Insert(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	// PendingByUser returns the user's pending record, if any.
	PendingByUser(ctx context.Context, userID string) (Record, bool, error)

	// Transition flips status from→to iff the current status equals
	// from. Returns false when the caller lost the race.
	Transition(ctx context.Context, id string, from, to Status, completedAt time.Time) (bool, error)

	// ExecuteDue atomically transitions every pending record past its
	// execute time to executed and returns them. Each record is executed
	// exactly once regardless of concurrent sweepers.
	ExecuteDue(ctx context.Context, now time.Time) ([]Record, error)

	// Pending lists all pending records.
	Pending(ctx context.Context) ([]Record, error)
	// ClaimReminder marks the reminder at the given offset as sent;
	// false when another sweeper claimed it first.
	ClaimReminder(ctx context.Context, id string, offset time.Duration) (bool, error)
}

// RankReader is the slice of the role service the scheduler needs.
type RankReader interface {
	HighestRank(ctx context.Context, userID string) (rbac.Rank, error)
}

// Scheduler owns deletion records and their transitions.
type Scheduler struct {
	store    Store
	tokens   *credtoken.Service
	ledger   audit.Ledger
	ranks    RankReader
	notifier notify.Publisher
	now      func() time.Time
}

// Option configures Scheduler behavior.
type Option func(*Scheduler)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewScheduler constructs the deletion scheduler.
func NewScheduler(store Store, tokens *credtoken.Service, ledger audit.Ledger, ranks RankReader, notifier notify.Publisher, opts ...Option) (*Scheduler, error) {
	if store == nil || tokens == nil || ledger == nil || ranks == nil || notifier == nil {
		return nil, fmt.Errorf("%w: store, tokens, ledger, ranks and notifier are required", governance.ErrValidation)
	}
	s := &Scheduler{
		store:    store,
		tokens:   tokens,
		ledger:   ledger,
		ranks:    ranks,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ScheduleApproved opens the cooling-off window for a deletion that
// cleared consensus. A single-use cancellation token is issued to the
// affected user; its TTL matches the window, so the escape hatch closes
// exactly when the purge becomes due.
func (s *Scheduler) ScheduleApproved(ctx context.Context, userID, initiatorID, reason string, coolingOffDays int) error {
	if userID == "" || initiatorID == "" {
		return fmt.Errorf("%w: user_id and initiator_id are required", governance.ErrValidation)
	}
	if coolingOffDays <= 0 {
		return fmt.Errorf("%w: cooling-off must be positive", governance.ErrValidation)
	}
	now := s.now().UTC()
	window := time.Duration(coolingOffDays) * 24 * time.Hour

	r := Record{
		ID:          ids.New(),
		UserID:      userID,
		InitiatorID: initiatorID,
		Reason:      reason,
		Status:      StatusPending,
		CreatedAt:   now,
		ExecuteAt:   now.Add(window),
	}

	plaintext, tok, err := s.tokens.Issue(ctx, credtoken.IssueRequest{
		UserID:  userID,
		Type:    credtoken.TypeDeletionCancel,
		Reason:  "deletion cooling-off cancellation",
		Payload: r.ID,
		TTL:     window,
	})
	if err != nil {
		return err
	}
	r.CancelTokenID = tok.ID

	if err := s.store.Insert(ctx, r); err != nil {
		return err
	}
	// Reminder stages already in the past at scheduling time never fire;
	// claiming them up front keeps a short window from bursting several
	// reminders at the first sweep.
	for _, offset := range reminderOffsets {
		if now.Before(r.ExecuteAt.Add(-offset)) {
			continue
		}
		if _, err := s.store.ClaimReminder(ctx, r.ID, offset); err != nil {
			return err
		}
	}
	s.auditRecord(ctx, audit.EventDeletionScheduled, r, map[string]any{"execute_at": r.ExecuteAt})
	obs.DeletionsScheduled.Inc()

	// The plaintext token travels only through the notification channel;
	// it is never persisted and never returned to the initiator.
	s.notifier.Publish(notify.Event{
		Kind:   notify.KindDeletionScheduled,
		UserID: userID,
		Payload: map[string]any{
			"deletion_id":  r.ID,
			"execute_at":   r.ExecuteAt,
			"cancel_token": plaintext,
		},
	})
	s.invalidateSessions(userID, audit.EventDeletionScheduled)
	return nil
}

// PurgeImmediately bypasses the cooling-off window. Reserved for the top
// rank; the record is created and executed in one step.
func (s *Scheduler) PurgeImmediately(ctx context.Context, userID, actorID, reason string) (Record, error) {
	if userID == "" || actorID == "" {
		return Record{}, fmt.Errorf("%w: user_id and actor_id are required", governance.ErrValidation)
	}
	if userID == actorID {
		return Record{}, fmt.Errorf("%w: actors may not purge themselves", governance.ErrSelfActionForbidden)
	}
	rank, err := s.ranks.HighestRank(ctx, actorID)
	if err != nil {
		return Record{}, err
	}
	if rank != rbac.RankSiteAdmin {
		return Record{}, fmt.Errorf("%w: immediate purge requires top rank", governance.ErrPermissionDenied)
	}

	now := s.now().UTC()
	r := Record{
		ID:          ids.New(),
		UserID:      userID,
		InitiatorID: actorID,
		Reason:      reason,
		Status:      StatusPurged,
		Immediate:   true,
		CreatedAt:   now,
		ExecuteAt:   now,
		CompletedAt: &now,
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return Record{}, err
	}
	s.auditRecord(ctx, audit.EventDeletionExecuted, r, map[string]any{"immediate": true})
	obs.DeletionsExecuted.Inc()
	s.notifier.Publish(notify.Event{
		Kind:    notify.KindDeletionExecuted,
		UserID:  userID,
		Payload: map[string]any{"deletion_id": r.ID},
	})
	s.invalidateSessions(userID, audit.EventDeletionExecuted)
	return r, nil
}

// Cancel consumes a cancellation token and aborts the pending deletion
// it guards. The token is single-use: redemption happens before the
// state transition, so even a valid token spent twice behaves like it
// never existed.
func (s *Scheduler) Cancel(ctx context.Context, plaintext string) (Record, error) {
	red, err := s.tokens.Redeem(ctx, plaintext)
	if err != nil {
		return Record{}, err
	}
	if red.Type != credtoken.TypeDeletionCancel {
		return Record{}, governance.ErrInvalidOrExpiredToken
	}
	r, err := s.store.Get(ctx, red.Payload)
	if err != nil {
		return Record{}, err
	}
	if r.UserID != red.UserID {
		return Record{}, governance.ErrInvalidOrExpiredToken
	}

	now := s.now().UTC()
	ok, err := s.store.Transition(ctx, r.ID, StatusPending, StatusCancelled, now)
	if err != nil {
		return Record{}, err
	}
	updated, gerr := s.store.Get(ctx, r.ID)
	if gerr != nil {
		return Record{}, gerr
	}
	if !ok {
		return updated, governance.ErrAlreadyCompleted
	}
	s.auditRecord(ctx, audit.EventDeletionCancelled, updated, nil)
	s.invalidateSessions(updated.UserID, audit.EventDeletionCancelled)
	return updated, nil
}

// Get returns one record.
func (s *Scheduler) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

// PendingByUser returns the user's pending deletion, if any.
func (s *Scheduler) PendingByUser(ctx context.Context, userID string) (Record, bool, error) {
	return s.store.PendingByUser(ctx, userID)
}

// ExecuteDue purges pending deletions whose cooling-off window has
// closed. Idempotent under concurrent sweepers.
func (s *Scheduler) ExecuteDue(ctx context.Context) ([]Record, error) {
	executed, err := s.store.ExecuteDue(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, r := range executed {
		s.auditRecord(ctx, audit.EventDeletionExecuted, r, nil)
		obs.DeletionsExecuted.Inc()
		s.notifier.Publish(notify.Event{
			Kind:    notify.KindDeletionExecuted,
			UserID:  r.UserID,
			Payload: map[string]any{"deletion_id": r.ID},
		})
		s.invalidateSessions(r.UserID, audit.EventDeletionExecuted)
	}
	return executed, nil
}

// SendReminders emits each staged reminder at most once per record. The
// claim is a conditional write, so overlapping sweepers never double
// remind.
func (s *Scheduler) SendReminders(ctx context.Context) error {
	now := s.now().UTC()
	pending, err := s.store.Pending(ctx)
	if err != nil {
		return err
	}
	for _, r := range pending {
		for _, offset := range reminderOffsets {
			if now.Before(r.ExecuteAt.Add(-offset)) {
				continue
			}
			ok, err := s.store.ClaimReminder(ctx, r.ID, offset)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			s.notifier.Publish(notify.Event{
				Kind:   notify.KindReminderDue,
				UserID: r.UserID,
				Payload: map[string]any{
					"deletion_id": r.ID,
					"execute_at":  r.ExecuteAt,
					"lead":        offset.String(),
				},
			})
		}
	}
	return nil
}

// invalidateSessions tells the identity layer to drop the user's
// sessions; every account status change emits one.
func (s *Scheduler) invalidateSessions(userID, reason string) {
	s.notifier.Publish(notify.Event{
		Kind:    notify.KindSessionInvalidate,
		UserID:  userID,
		Payload: map[string]any{"reason": reason},
	})
}

func (s *Scheduler) auditRecord(ctx context.Context, eventType string, r Record, extra map[string]any) {
	severity := audit.SeverityWarning
	if eventType == audit.EventDeletionExecuted {
		severity = audit.SeverityCritical
	}
	newVal := map[string]any{
		"deletion_id": r.ID,
		"status":      r.Status,
		"reason":      r.Reason,
	}
	for k, v := range extra {
		newVal[k] = v
	}
	raw, _ := json.Marshal(newVal)
	_, _ = s.ledger.Append(ctx, audit.Event{
		ActorID:   r.InitiatorID,
		EventType: eventType,
		TargetID:  r.UserID,
		NewValue:  raw,
		Severity:  severity,
	})
}
