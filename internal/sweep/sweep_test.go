package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/approval"
	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/credtoken"
	"github.com/czhaoca/pathfinder-sub004/internal/deletion"
	"github.com/czhaoca/pathfinder-sub004/internal/notify"
	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

func newSweepFixture(t *testing.T, now *time.Time) (*Sweeper, *approval.Engine, *deletion.Scheduler, *rbac.Service) {
	t.Helper()
	clock := func() time.Time { return *now }
	ledger := audit.NewInMemory()
	stream := notify.NewStream()

	roles, err := rbac.NewService(rbac.NewMemoryStore(), ledger, stream, rbac.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := credtoken.NewService(credtoken.NewMemoryStore(), ledger, credtoken.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	sched, err := deletion.NewScheduler(deletion.NewMemoryStore(), tokens, ledger, roles, stream, deletion.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	eng, err := approval.NewEngine(approval.NewMemoryStore(), ledger, roles, sched, stream, approval.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	sw := New(eng, sched, WithInterval(time.Hour), WithLogger(func(map[string]any) {}))
	return sw, eng, sched, roles
}

func TestSweepExpiresApprovalsAndExecutesDeletions(t *testing.T) {
	now := time.Now().UTC()
	sw, eng, sched, roles := newSweepFixture(t, &now)
	ctx := context.Background()

	for user, role := range map[string]string{
		"adm1": rbac.RoleAdmin, "adm2": rbac.RoleAdmin,
		"alice": rbac.RoleUser, "bob": rbac.RoleUser,
	} {
		if err := roles.ApplyAssignment(ctx, user, role, "seed", nil); err != nil {
			t.Fatal(err)
		}
	}

	// One approval that will never reach consensus.
	stale, err := eng.Create(ctx, approval.CreateRequest{
		Action:        approval.ActionDelete,
		TargetUserID:  "alice",
		InitiatorID:   "adm1",
		Justification: "cleanup",
	})
	if err != nil {
		t.Fatal(err)
	}
	// One deletion already in cooling-off.
	if err := sched.ScheduleApproved(ctx, "bob", "adm2", "gdpr", 7); err != nil {
		t.Fatal(err)
	}

	// Nothing is due yet.
	sw.Sweep(ctx)
	if r, _ := eng.Get(ctx, stale.ID); r.Status != approval.StatusPending {
		t.Fatalf("approval expired early: %s", r.Status)
	}

	// Past both the voting window and the cooling-off window.
	now = now.Add(8 * 24 * time.Hour)
	sw.Sweep(ctx)

	if r, _ := eng.Get(ctx, stale.ID); r.Status != approval.StatusExpired {
		t.Fatalf("approval not expired: %s", r.Status)
	}
	if _, ok, _ := sched.PendingByUser(ctx, "bob"); ok {
		t.Fatal("deletion still pending after sweep")
	}

	// Sweeping again is a no-op.
	sw.Sweep(ctx)
	if r, _ := eng.Get(ctx, stale.ID); r.Status != approval.StatusExpired {
		t.Fatalf("status drifted on re-sweep: %s", r.Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	now := time.Now().UTC()
	sw, _, _, _ := newSweepFixture(t, &now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
