package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/notify"
	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

type fakeDeletions struct {
	calls int32
}

func (f *fakeDeletions) ScheduleApproved(_ context.Context, _, _, _ string, _ int) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

type engineFixture struct {
	engine    *Engine
	roles     *rbac.Service
	deletions *fakeDeletions
	ledger    *audit.InMemory
	stream    *notify.Stream
	now       *time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	now := time.Now().UTC()
	ledger := audit.NewInMemory()
	stream := notify.NewStream()
	clock := func() time.Time { return now }

	roles, err := rbac.NewService(rbac.NewMemoryStore(), ledger, stream, rbac.WithClock(clock))
	if err != nil {
		t.Fatalf("rbac.NewService: %v", err)
	}
	del := &fakeDeletions{}
	eng, err := NewEngine(NewMemoryStore(), ledger, roles, del, stream, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &engineFixture{engine: eng, roles: roles, deletions: del, ledger: ledger, stream: stream, now: &now}
}

func (f *engineFixture) grant(t *testing.T, userID, roleName string) {
	t.Helper()
	if err := f.roles.ApplyAssignment(context.Background(), userID, roleName, "seed", nil); err != nil {
		t.Fatalf("grant %s to %s: %v", roleName, userID, err)
	}
}

func TestCreateTopRankExecutesImmediately(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "root", rbac.RoleSiteAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionPromote,
		TargetUserID:  "alice",
		ToRole:        rbac.RoleAdmin,
		InitiatorID:   "root",
		Justification: "trusted moderator",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Immediate || r.Status != StatusApproved {
		t.Fatalf("expected immediate approval, got %+v", r)
	}
	rank, err := f.roles.HighestRank(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rank != rbac.RankAdmin {
		t.Fatalf("role not applied, rank=%d", rank)
	}
}

func TestCreateSingleApprovalResolvesAtCreation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm", rbac.RoleAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	// Promoting to the base rank needs one approval; the initiator's
	// implicit approval covers it.
	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionPromote,
		TargetUserID:  "alice",
		ToRole:        rbac.RoleUser,
		InitiatorID:   "adm",
		Justification: "onboarding",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusApproved || r.Immediate {
		t.Fatalf("expected approved non-immediate request, got %+v", r)
	}
}

func TestCreateRequiresConsensusForAdminPromotion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "adm2", rbac.RoleAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionPromote,
		TargetUserID:  "alice",
		ToRole:        rbac.RoleAdmin,
		InitiatorID:   "adm1",
		Justification: "new moderator",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusPending || r.CurrentApprovals != 1 || r.RequiredApprovals != 2 {
		t.Fatalf("unexpected request: %+v", r)
	}
	if rank, _ := f.roles.HighestRank(ctx, "alice"); rank != rbac.RankUser {
		t.Fatal("effect applied before consensus")
	}

	updated, err := f.engine.Vote(ctx, r.ID, "adm2", DecisionApprove, "agreed")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", updated.Status)
	}
	if rank, _ := f.roles.HighestRank(ctx, "alice"); rank != rbac.RankAdmin {
		t.Fatal("effect not applied after consensus")
	}
}

func TestVoteSelfAndTargetForbidden(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "adm2", rbac.RoleAdmin)

	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "adm2",
		InitiatorID:   "adm1",
		Justification: "account compromised",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Vote(ctx, r.ID, "adm1", DecisionApprove, ""); !errors.Is(err, governance.ErrSelfActionForbidden) {
		t.Fatalf("initiator vote: %v", err)
	}
	if _, err := f.engine.Vote(ctx, r.ID, "adm2", DecisionApprove, ""); !errors.Is(err, governance.ErrSelfActionForbidden) {
		t.Fatalf("target vote: %v", err)
	}
}

func TestVoteDuplicateAndRankGating(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "adm2", rbac.RoleAdmin)
	f.grant(t, "adm3", rbac.RoleAdmin)
	f.grant(t, "bob", rbac.RoleUser)
	f.grant(t, "target", rbac.RoleAdmin)

	// Deleting an admin needs three approvals; plenty of room for the
	// duplicate to land while still pending.
	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "target",
		InitiatorID:   "adm1",
		Justification: "policy violation",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Vote(ctx, r.ID, "bob", DecisionApprove, ""); !errors.Is(err, governance.ErrPermissionDenied) {
		t.Fatalf("base-rank vote: %v", err)
	}
	if _, err := f.engine.Vote(ctx, r.ID, "adm2", DecisionApprove, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Vote(ctx, r.ID, "adm2", DecisionApprove, ""); !errors.Is(err, governance.ErrAlreadyVoted) {
		t.Fatalf("duplicate vote: %v", err)
	}
}

func TestVoteRejectFailsFast(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "adm2", rbac.RoleAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "alice",
		InitiatorID:   "adm1",
		Justification: "spam account",
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := f.engine.Vote(ctx, r.ID, "adm2", DecisionReject, "looks legitimate")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", updated.Status)
	}
	if got := atomic.LoadInt32(&f.deletions.calls); got != 0 {
		t.Fatalf("deletion scheduled after rejection: %d", got)
	}

	// Any further vote on the terminal request is refused.
	f.grant(t, "adm3", rbac.RoleAdmin)
	if _, err := f.engine.Vote(ctx, r.ID, "adm3", DecisionApprove, ""); !errors.Is(err, governance.ErrAlreadyCompleted) {
		t.Fatalf("vote on terminal: %v", err)
	}
}

func TestVoteAbstainNeverCounts(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "adm2", rbac.RoleAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "alice",
		InitiatorID:   "adm1",
		Justification: "duplicate account",
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := f.engine.Vote(ctx, r.ID, "adm2", DecisionAbstain, "no opinion")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusPending || updated.CurrentApprovals != 1 {
		t.Fatalf("abstain moved the tally: %+v", updated)
	}
	votes, err := f.engine.Votes(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 || votes[0].Decision != DecisionAbstain {
		t.Fatalf("abstain not recorded: %+v", votes)
	}
}

func TestConcurrentApprovalsApplyEffectOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "target", rbac.RoleAdmin)

	voters := []string{"v1", "v2", "v3", "v4", "v5", "v6"}
	for _, v := range voters {
		f.grant(t, v, rbac.RoleAdmin)
	}

	// Needs three approvals: one implicit plus two of the racing six.
	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "target",
		InitiatorID:   "adm1",
		Justification: "breach of trust",
	})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, v := range voters {
		wg.Add(1)
		go func(voter string) {
			defer wg.Done()
			_, err := f.engine.Vote(ctx, r.ID, voter, DecisionApprove, "")
			if err != nil && !errors.Is(err, governance.ErrAlreadyCompleted) {
				t.Errorf("voter %s: %v", voter, err)
			}
		}(v)
	}
	wg.Wait()

	updated, err := f.engine.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", updated.Status)
	}
	if updated.CurrentApprovals > updated.RequiredApprovals {
		t.Fatalf("tally overshot: %d/%d", updated.CurrentApprovals, updated.RequiredApprovals)
	}
	if got := atomic.LoadInt32(&f.deletions.calls); got != 1 {
		t.Fatalf("effect applied %d times", got)
	}
}

func TestCreatePolicyDeniedAndValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "root", rbac.RoleSiteAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	// No policy row lets an admin touch a top-rank account.
	_, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "root",
		InitiatorID:   "adm1",
		Justification: "coup attempt",
	})
	if !errors.Is(err, governance.ErrPermissionDenied) {
		t.Fatalf("delete top-rank: %v", err)
	}

	// Base-rank users may not open requests either.
	_, err = f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "adm1",
		InitiatorID:   "alice",
		Justification: "revenge",
	})
	if !errors.Is(err, governance.ErrPermissionDenied) {
		t.Fatalf("base-rank initiator: %v", err)
	}

	// Self-promotion is refused before any policy lookup.
	_, err = f.engine.Create(ctx, CreateRequest{
		Action:        ActionPromote,
		TargetUserID:  "adm1",
		ToRole:        rbac.RoleSiteAdmin,
		InitiatorID:   "adm1",
		Justification: "deserved",
	})
	if !errors.Is(err, governance.ErrSelfActionForbidden) {
		t.Fatalf("self promote: %v", err)
	}

	// Missing justification.
	_, err = f.engine.Create(ctx, CreateRequest{
		Action:       ActionDelete,
		TargetUserID: "alice",
		InitiatorID:  "adm1",
	})
	if !errors.Is(err, governance.ErrValidation) {
		t.Fatalf("missing justification: %v", err)
	}
}

func TestSelfDeletionSkipsConsensus(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "alice", rbac.RoleUser)

	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "alice",
		InitiatorID:   "alice",
		Justification: "closing my account",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusApproved || r.Immediate {
		t.Fatalf("expected approved non-immediate request, got %+v", r)
	}
	if got := atomic.LoadInt32(&f.deletions.calls); got != 1 {
		t.Fatalf("deletion scheduled %d times", got)
	}
}

func TestCancelOnlyInitiatorOrTopRank(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "adm2", rbac.RoleAdmin)
	f.grant(t, "root", rbac.RoleSiteAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	open := func() Request {
		r, err := f.engine.Create(ctx, CreateRequest{
			Action:        ActionDelete,
			TargetUserID:  "alice",
			InitiatorID:   "adm1",
			Justification: "cleanup",
		})
		if err != nil {
			t.Fatal(err)
		}
		return r
	}

	r := open()
	if _, err := f.engine.Cancel(ctx, r.ID, "adm2"); !errors.Is(err, governance.ErrPermissionDenied) {
		t.Fatalf("bystander cancel: %v", err)
	}
	cancelled, err := f.engine.Cancel(ctx, r.ID, "adm1")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := f.engine.Cancel(ctx, r.ID, "adm1"); !errors.Is(err, governance.ErrAlreadyCompleted) {
		t.Fatalf("double cancel: %v", err)
	}

	// Same-path cleanup is still within reach of the top rank.
	// A fresh request so the transition is live.
	r2 := open()
	if _, err := f.engine.Cancel(ctx, r2.ID, "root"); err != nil {
		t.Fatalf("top-rank cancel: %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "alice",
		InitiatorID:   "adm1",
		Justification: "inactive account",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Not yet due.
	expired, err := f.engine.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired too early: %+v", expired)
	}

	*f.now = f.now.Add(votingWindow + time.Minute)
	expired, err = f.engine.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != r.ID {
		t.Fatalf("unexpected expiry set: %+v", expired)
	}

	// A second sweep finds nothing; the transition already happened.
	expired, err = f.engine.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("double expiry: %+v", expired)
	}
	if got := atomic.LoadInt32(&f.deletions.calls); got != 0 {
		t.Fatalf("expired request applied effect: %d", got)
	}
}

func TestNotifyExpiringFiresOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.grant(t, "adm1", rbac.RoleAdmin)
	f.grant(t, "alice", rbac.RoleUser)

	events := f.stream.Subscribe(ctx)

	r, err := f.engine.Create(ctx, CreateRequest{
		Action:        ActionDelete,
		TargetUserID:  "alice",
		InitiatorID:   "adm1",
		Justification: "gdpr request",
	})
	if err != nil {
		t.Fatal(err)
	}

	*f.now = f.now.Add(votingWindow - expiryWarningLead + time.Minute)
	if err := f.engine.NotifyExpiring(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.NotifyExpiring(ctx); err != nil {
		t.Fatal(err)
	}

	// Publish is synchronous, so the buffered channel already holds
	// everything emitted so far.
	var warnings int
drain:
	for {
		select {
		case evt := <-events:
			if evt.Kind == notify.KindApprovalExpiring {
				warnings++
				if evt.Payload["approval_id"] != r.ID {
					t.Fatalf("warning for wrong approval: %+v", evt)
				}
			}
		default:
			break drain
		}
	}
	if warnings != 1 {
		t.Fatalf("expected exactly one warning, got %d", warnings)
	}
}
