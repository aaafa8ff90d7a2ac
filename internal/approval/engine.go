package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/ids"
	"github.com/czhaoca/pathfinder-sub004/internal/notify"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

// Store describes persistence operations required by the engine. Every
// "happens exactly once" transition is a conditional write here, never a
// read-then-write in the engine.
type Store interface {
	Insert(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (Request, error)
	List(ctx context.Context, f ListFilter) ([]Request, error)

	// InsertVote persists a vote; fails with governance.ErrAlreadyVoted
	// when (approval, voter) already has one.
	InsertVote(ctx context.Context, v Vote) error
	Votes(ctx context.Context, approvalID string) ([]Vote, error)

	// AddApproval increments CurrentApprovals, guarded by status still
	// pending and CurrentApprovals < RequiredApprovals. Returns the
	// post-increment tallies. Fails with governance.ErrAlreadyCompleted
	// when the request is no longer pending.
	AddApproval(ctx context.Context, id string) (current, required int, err error)

	// Transition flips status from→to iff the current status equals
	// from. Returns false when the caller lost the race.
	Transition(ctx context.Context, id string, from, to Status, completedAt time.Time) (bool, error)

	// ExpireDue atomically transitions every pending request past its
	// expiry to expired and returns the requests it transitioned. Safe
	// under concurrent invocation: each request is expired exactly once.
	ExpireDue(ctx context.Context, now time.Time) ([]Request, error)

	// PendingExpiringBefore lists pending requests expiring before the
	// deadline whose expiry warning has not fired yet.
	PendingExpiringBefore(ctx context.Context, deadline time.Time) ([]Request, error)
	// MarkExpiryNotified records the warning as fired; false when
	// another sweeper got there first.
	MarkExpiryNotified(ctx context.Context, id string) (bool, error)
}

// RoleDirectory is the slice of the role service the engine needs.
type RoleDirectory interface {
	HighestRank(ctx context.Context, userID string) (rbac.Rank, error)
	RoleByName(ctx context.Context, name string) (rbac.Role, error)
	ActiveRoles(ctx context.Context, userID string) ([]rbac.Assignment, error)
	ApplyAssignment(ctx context.Context, userID, roleName, grantedBy string, expiresAt *time.Time) error
}

// DeletionStarter is implemented by the deletion scheduler; the engine
// invokes it when a delete request reaches consensus.
type DeletionStarter interface {
	ScheduleApproved(ctx context.Context, userID, initiatorID, reason string, coolingOffDays int) error
}

// Engine is the consensus gate for sensitive role and deletion
// mutations.
type Engine struct {
	store     Store
	ledger    audit.Ledger
	roles     RoleDirectory
	deletions DeletionStarter
	notifier  notify.Publisher
	now       func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the workflow engine.
func NewEngine(store Store, ledger audit.Ledger, roles RoleDirectory, deletions DeletionStarter, notifier notify.Publisher, opts ...Option) (*Engine, error) {
	if store == nil || ledger == nil || roles == nil || deletions == nil || notifier == nil {
		return nil, fmt.Errorf("%w: store, ledger, roles, deletions and notifier are required", governance.ErrValidation)
	}
	e := &Engine{
		store:     store,
		ledger:    ledger,
		roles:     roles,
		deletions: deletions,
		notifier:  notifier,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Create opens an approval request. The policy table decides how many
// approvals the action needs; the act of creating counts as one implicit
// approval toward that threshold. Top-rank initiators bypass voting
// entirely: the effect executes synchronously and the request is
// recorded already approved.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Request, error) {
	if err := e.validateCreate(req); err != nil {
		return Request{}, err
	}
	initiatorRank, err := e.roles.HighestRank(ctx, req.InitiatorID)
	if err != nil {
		return Request{}, err
	}
	targetRank, toRoleRank, fromRole, err := e.resolveTarget(ctx, req)
	if err != nil {
		return Request{}, err
	}

	now := e.now().UTC()
	r := Request{
		ID:            ids.New(),
		Action:        req.Action,
		TargetUserID:  req.TargetUserID,
		FromRole:      fromRole,
		ToRole:        req.ToRole,
		InitiatorID:   req.InitiatorID,
		Justification: req.Justification,
		CreatedAt:     now,
	}

	// Self-initiated deletions skip consensus entirely; the cooling-off
	// window and the cancellation token are the safeguard, not voting.
	if req.Action == ActionDelete && req.TargetUserID == req.InitiatorID {
		r.RequiredApprovals = 1
		r.CurrentApprovals = 1
		r.Status = StatusApproved
		r.ExpiresAt = now
		r.CompletedAt = &now
		if err := e.store.Insert(ctx, r); err != nil {
			return Request{}, err
		}
		e.auditRequest(ctx, audit.EventApprovalCreated, r, map[string]any{"self_requested": true})
		if err := e.applyEffect(ctx, r); err != nil {
			return r, err
		}
		e.finishApproved(ctx, r)
		obs.ApprovalsCreated.WithLabelValues(string(r.Action)).Inc()
		return e.store.Get(ctx, r.ID)
	}

	if initiatorRank == rbac.RankSiteAdmin {
		r.Immediate = true
		r.RequiredApprovals = 1
		r.CurrentApprovals = 1
		r.Status = StatusApproved
		r.ExpiresAt = now
		r.CompletedAt = &now
		if err := e.store.Insert(ctx, r); err != nil {
			return Request{}, err
		}
		e.auditRequest(ctx, audit.EventApprovalCreated, r, nil)
		if err := e.applyEffect(ctx, r); err != nil {
			return r, err
		}
		e.finishApproved(ctx, r)
		obs.ApprovalsCreated.WithLabelValues(string(r.Action)).Inc()
		return e.store.Get(ctx, r.ID)
	}

	policyRank := toRoleRank
	if req.Action == ActionDelete {
		policyRank = targetRank
	}
	policy, ok := lookupPolicy(req.Action, initiatorRank, policyRank)
	if !ok {
		return Request{}, fmt.Errorf("%w: rank %d may not initiate %s against rank %d",
			governance.ErrPermissionDenied, initiatorRank, req.Action, policyRank)
	}

	r.RequiredApprovals = policy.RequiredApprovals
	r.CurrentApprovals = 1 // the initiator's implicit approval
	r.Status = StatusPending
	r.ExpiresAt = now.Add(policy.Window)
	if err := e.store.Insert(ctx, r); err != nil {
		return Request{}, err
	}
	e.auditRequest(ctx, audit.EventApprovalCreated, r, nil)
	obs.ApprovalsCreated.WithLabelValues(string(r.Action)).Inc()

	if r.CurrentApprovals >= r.RequiredApprovals {
		if _, err := e.tryComplete(ctx, r.ID); err != nil {
			return Request{}, err
		}
		return e.store.Get(ctx, r.ID)
	}

	e.notifier.Publish(notify.Event{
		Kind:   notify.KindApprovalNeeded,
		UserID: r.TargetUserID,
		Payload: map[string]any{
			"approval_id": r.ID,
			"action":      r.Action,
			"required":    r.RequiredApprovals,
			"expires_at":  r.ExpiresAt,
		},
	})
	return r, nil
}

// Vote records a verdict. Rejections fail fast; approvals that cross the
// threshold apply the underlying effect exactly once, guarded by a
// conditional status transition. Losing that race yields
// ErrAlreadyCompleted, which is benign.
func (e *Engine) Vote(ctx context.Context, approvalID, voterID string, decision Decision, comment string) (Request, error) {
	if approvalID == "" || voterID == "" {
		return Request{}, fmt.Errorf("%w: approval_id and voter_id are required", governance.ErrValidation)
	}
	switch decision {
	case DecisionApprove, DecisionReject, DecisionAbstain:
	default:
		return Request{}, fmt.Errorf("%w: unknown decision %q", governance.ErrValidation, decision)
	}

	r, err := e.store.Get(ctx, approvalID)
	if err != nil {
		return Request{}, err
	}
	if r.Status.Terminal() {
		return r, governance.ErrAlreadyCompleted
	}
	if voterID == r.InitiatorID {
		return Request{}, fmt.Errorf("%w: initiators may not vote on their own request", governance.ErrSelfActionForbidden)
	}
	if voterID == r.TargetUserID {
		return Request{}, fmt.Errorf("%w: targets may not vote on their own request", governance.ErrSelfActionForbidden)
	}
	voterRank, err := e.roles.HighestRank(ctx, voterID)
	if err != nil {
		return Request{}, err
	}
	if voterRank < rbac.RankAdmin {
		return Request{}, fmt.Errorf("%w: voting requires admin rank", governance.ErrPermissionDenied)
	}

	v := Vote{
		ID:         ids.New(),
		ApprovalID: approvalID,
		VoterID:    voterID,
		Decision:   decision,
		Comment:    comment,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.InsertVote(ctx, v); err != nil {
		return Request{}, err
	}
	e.auditVote(ctx, r, v)
	obs.VotesCast.WithLabelValues(string(decision)).Inc()

	switch decision {
	case DecisionAbstain:
		// Recorded, never counted.
		return e.store.Get(ctx, approvalID)

	case DecisionReject:
		now := e.now().UTC()
		ok, err := e.store.Transition(ctx, approvalID, StatusPending, StatusRejected, now)
		if err != nil {
			return Request{}, err
		}
		updated, gerr := e.store.Get(ctx, approvalID)
		if gerr != nil {
			return Request{}, gerr
		}
		if !ok {
			return updated, governance.ErrAlreadyCompleted
		}
		e.auditRequest(ctx, audit.EventApprovalRejected, updated, map[string]any{"rejected_by": voterID})
		e.notifyCompleted(updated)
		obs.ApprovalsResolved.WithLabelValues(string(StatusRejected)).Inc()
		return updated, nil

	default: // DecisionApprove
		current, required, err := e.store.AddApproval(ctx, approvalID)
		if err != nil {
			return Request{}, err
		}
		if current < required {
			return e.store.Get(ctx, approvalID)
		}
		return e.tryComplete(ctx, approvalID)
	}
}

// Cancel withdraws a pending request. Only the initiator or a top-rank
// actor may cancel; losing the race to a concurrent terminal transition
// yields ErrAlreadyCompleted.
func (e *Engine) Cancel(ctx context.Context, approvalID, actorID string) (Request, error) {
	r, err := e.store.Get(ctx, approvalID)
	if err != nil {
		return Request{}, err
	}
	if actorID != r.InitiatorID {
		rank, err := e.roles.HighestRank(ctx, actorID)
		if err != nil {
			return Request{}, err
		}
		if rank != rbac.RankSiteAdmin {
			return Request{}, fmt.Errorf("%w: only the initiator or a top-rank actor may cancel", governance.ErrPermissionDenied)
		}
	}
	now := e.now().UTC()
	ok, err := e.store.Transition(ctx, approvalID, StatusPending, StatusCancelled, now)
	if err != nil {
		return Request{}, err
	}
	updated, gerr := e.store.Get(ctx, approvalID)
	if gerr != nil {
		return Request{}, gerr
	}
	if !ok {
		return updated, governance.ErrAlreadyCompleted
	}
	e.auditRequest(ctx, audit.EventApprovalCancelled, updated, map[string]any{"cancelled_by": actorID})
	obs.ApprovalsResolved.WithLabelValues(string(StatusCancelled)).Inc()
	return updated, nil
}

// Get returns one request.
func (e *Engine) Get(ctx context.Context, approvalID string) (Request, error) {
	return e.store.Get(ctx, approvalID)
}

// List returns requests matching the filter.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]Request, error) {
	return e.store.List(ctx, f)
}

// Votes returns the recorded votes for a request.
func (e *Engine) Votes(ctx context.Context, approvalID string) ([]Vote, error) {
	return e.store.Votes(ctx, approvalID)
}

// ExpireStale transitions pending requests past their expiry to expired.
// Idempotent and safe to run concurrently with itself: the store expires
// each request exactly once regardless of how many sweepers race.
func (e *Engine) ExpireStale(ctx context.Context) ([]Request, error) {
	expired, err := e.store.ExpireDue(ctx, e.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, r := range expired {
		e.auditRequest(ctx, audit.EventApprovalExpired, r, nil)
		e.notifyCompleted(r)
		obs.ApprovalsResolved.WithLabelValues(string(StatusExpired)).Inc()
	}
	return expired, nil
}

// NotifyExpiring emits a single approval-expiring warning for pending
// requests inside the warning window. The mark is a conditional write,
// so overlapping sweepers never emit the warning twice.
func (e *Engine) NotifyExpiring(ctx context.Context) error {
	deadline := e.now().UTC().Add(expiryWarningLead)
	pending, err := e.store.PendingExpiringBefore(ctx, deadline)
	if err != nil {
		return err
	}
	for _, r := range pending {
		ok, err := e.store.MarkExpiryNotified(ctx, r.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		e.notifier.Publish(notify.Event{
			Kind:   notify.KindApprovalExpiring,
			UserID: r.InitiatorID,
			Payload: map[string]any{
				"approval_id": r.ID,
				"expires_at":  r.ExpiresAt,
			},
		})
	}
	return nil
}

// tryComplete performs the pending→approved transition and, on winning
// it, applies the underlying effect. Exactly one caller wins; losers get
// the current request plus ErrAlreadyCompleted.
func (e *Engine) tryComplete(ctx context.Context, approvalID string) (Request, error) {
	now := e.now().UTC()
	ok, err := e.store.Transition(ctx, approvalID, StatusPending, StatusApproved, now)
	if err != nil {
		return Request{}, err
	}
	updated, gerr := e.store.Get(ctx, approvalID)
	if gerr != nil {
		return Request{}, gerr
	}
	if !ok {
		return updated, governance.ErrAlreadyCompleted
	}
	if err := e.applyEffect(ctx, updated); err != nil {
		// The transition is already durable; the failed effect is an
		// operator problem, not something to roll back silently.
		e.auditRequest(ctx, audit.EventApprovalApproved, updated, map[string]any{"effect_error": err.Error()})
		return updated, err
	}
	e.finishApproved(ctx, updated)
	return updated, nil
}

func (e *Engine) finishApproved(ctx context.Context, r Request) {
	e.auditRequest(ctx, audit.EventApprovalApproved, r, nil)
	e.notifyCompleted(r)
	obs.ApprovalsResolved.WithLabelValues(string(StatusApproved)).Inc()
}

func (e *Engine) applyEffect(ctx context.Context, r Request) error {
	switch r.Action {
	case ActionPromote:
		return e.roles.ApplyAssignment(ctx, r.TargetUserID, r.ToRole, r.InitiatorID, nil)
	case ActionDelete:
		return e.deletions.ScheduleApproved(ctx, r.TargetUserID, r.InitiatorID, r.Justification, deletionCoolingOffDays)
	default:
		return fmt.Errorf("%w: unknown action %q", governance.ErrValidation, r.Action)
	}
}

func (e *Engine) validateCreate(req CreateRequest) error {
	if req.TargetUserID == "" || req.InitiatorID == "" {
		return fmt.Errorf("%w: target and initiator are required", governance.ErrValidation)
	}
	if req.Justification == "" {
		return fmt.Errorf("%w: justification is required", governance.ErrValidation)
	}
	switch req.Action {
	case ActionPromote:
		if req.ToRole == "" {
			return fmt.Errorf("%w: to_role is required for promotions", governance.ErrValidation)
		}
		if req.TargetUserID == req.InitiatorID {
			return fmt.Errorf("%w: initiators may not promote themselves", governance.ErrSelfActionForbidden)
		}
	case ActionDelete:
		// Self-targeted deletion is allowed: users may request their own
		// account deletion without consensus.
	default:
		return fmt.Errorf("%w: unknown action %q", governance.ErrValidation, req.Action)
	}
	return nil
}

func (e *Engine) resolveTarget(ctx context.Context, req CreateRequest) (targetRank, toRoleRank rbac.Rank, fromRole string, err error) {
	targetRank, err = e.roles.HighestRank(ctx, req.TargetUserID)
	if err != nil {
		return 0, 0, "", err
	}
	if req.Action == ActionPromote {
		role, rerr := e.roles.RoleByName(ctx, req.ToRole)
		if rerr != nil {
			return 0, 0, "", rerr
		}
		toRoleRank = role.Rank
		active, aerr := e.roles.ActiveRoles(ctx, req.TargetUserID)
		if aerr != nil {
			return 0, 0, "", aerr
		}
		var highest rbac.Rank
		for _, a := range active {
			held, herr := e.roles.RoleByName(ctx, a.RoleName)
			if herr != nil {
				continue
			}
			if held.Rank > highest {
				highest = held.Rank
				fromRole = held.Name
			}
		}
	}
	return targetRank, toRoleRank, fromRole, nil
}

func (e *Engine) auditRequest(ctx context.Context, eventType string, r Request, extra map[string]any) {
	newVal := map[string]any{
		"approval_id": r.ID,
		"action":      r.Action,
		"status":      r.Status,
		"current":     r.CurrentApprovals,
		"required":    r.RequiredApprovals,
	}
	for k, v := range extra {
		newVal[k] = v
	}
	raw, _ := json.Marshal(newVal)
	_, _ = e.ledger.Append(ctx, audit.Event{
		ActorID:   r.InitiatorID,
		EventType: eventType,
		TargetID:  r.TargetUserID,
		NewValue:  raw,
		Severity:  audit.SeverityWarning,
	})
}

func (e *Engine) auditVote(ctx context.Context, r Request, v Vote) {
	oldVal, _ := json.Marshal(map[string]any{"status": r.Status, "current": r.CurrentApprovals})
	newVal, _ := json.Marshal(map[string]any{
		"approval_id": r.ID,
		"decision":    v.Decision,
		"comment":     v.Comment,
	})
	_, _ = e.ledger.Append(ctx, audit.Event{
		ActorID:   v.VoterID,
		EventType: audit.EventVoteCast,
		TargetID:  r.TargetUserID,
		OldValue:  oldVal,
		NewValue:  newVal,
		Severity:  audit.SeverityInfo,
	})
}

func (e *Engine) notifyCompleted(r Request) {
	e.notifier.Publish(notify.Event{
		Kind:   notify.KindApprovalCompleted,
		UserID: r.TargetUserID,
		Payload: map[string]any{
			"approval_id": r.ID,
			"action":      r.Action,
			"status":      r.Status,
		},
	})
}
