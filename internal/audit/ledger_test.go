package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/obs"
)

func appendN(t *testing.T, l *InMemory, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := l.Append(ctx, Event{
			ActorID:   fmt.Sprintf("actor-%d", i%3),
			EventType: EventVoteCast,
			TargetID:  fmt.Sprintf("req-%d", i),
			NewValue:  json.RawMessage(`{"decision":"approve"}`),
			Severity:  SeverityInfo,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	l := NewInMemory()
	appendN(t, l, 10)

	entries, err := l.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i)+1 {
			t.Fatalf("sequence gap at index %d: seq=%d", i, e.Seq)
		}
	}
	if entries[0].PrevHash != GenesisHash {
		t.Fatalf("first entry not anchored at genesis")
	}
}

func TestVerifyChainUntouched(t *testing.T) {
	l := NewInMemory()
	appendN(t, l, 25)

	res, err := l.VerifyChain(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("untouched chain reported broken at %d", res.BrokenAtSeq)
	}
	if res.CheckedFrom != 1 || res.CheckedTo != 25 {
		t.Fatalf("unexpected range: %d..%d", res.CheckedFrom, res.CheckedTo)
	}
}

func TestVerifyChainDetectsFieldMutation(t *testing.T) {
	fields := []struct {
		name   string
		mutate func(*Entry)
	}{
		{"actor", func(e *Entry) { e.ActorID = "intruder" }},
		{"event_type", func(e *Entry) { e.EventType = EventRoleAssigned }},
		{"target", func(e *Entry) { e.TargetID = "someone-else" }},
		{"new_value", func(e *Entry) { e.NewValue = json.RawMessage(`{"decision":"reject"}`) }},
		{"severity", func(e *Entry) { e.Severity = SeverityCritical }},
		{"timestamp", func(e *Entry) { e.OccurredAt = e.OccurredAt.Add(time.Hour) }},
		{"hash", func(e *Entry) { e.Hash = "0000" + e.Hash[4:] }},
		{"prev_hash", func(e *Entry) { e.PrevHash = "0000" + e.PrevHash[4:] }},
	}

	for _, tc := range fields {
		t.Run(tc.name, func(t *testing.T) {
			l := NewInMemory()
			appendN(t, l, 10)
			const k = 5
			tc.mutate(&l.entries[k-1])

			res, err := l.VerifyChain(context.Background(), 0, 0)
			if err != nil {
				t.Fatal(err)
			}
			if res.Valid {
				t.Fatalf("mutation of %s went undetected", tc.name)
			}
			if res.BrokenAtSeq > k {
				t.Fatalf("broken at %d, want <= %d", res.BrokenAtSeq, k)
			}
		})
	}
}

func TestVerifyChainFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	obs.Logger().SetOutput(&buf)
	defer obs.Logger().SetOutput(os.Stdout)

	l := NewInMemory()
	appendN(t, l, 5)
	l.entries[2].ActorID = "intruder"

	res, err := l.VerifyChain(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("mutation went undetected")
	}
	if !strings.Contains(buf.String(), "audit.chain_broken") {
		t.Fatalf("broken chain not logged: %q", buf.String())
	}
}

func TestVerifyChainDetectsRemoval(t *testing.T) {
	l := NewInMemory()
	appendN(t, l, 10)
	// Drop entry 4: leaves a sequence gap and a dangling link.
	l.entries = append(l.entries[:3], l.entries[4:]...)

	res, err := l.VerifyChain(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("removal went undetected")
	}
}

func TestVerifyChainRange(t *testing.T) {
	l := NewInMemory()
	appendN(t, l, 20)

	res, err := l.VerifyChain(context.Background(), 5, 15)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.CheckedFrom != 5 || res.CheckedTo != 15 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestConcurrentAppends(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Append(ctx, Event{
				ActorID:   "actor",
				EventType: EventVoteCast,
				TargetID:  fmt.Sprintf("req-%d", i),
				Severity:  SeverityInfo,
			})
		}(i)
	}
	wg.Wait()

	res, err := l.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("chain broken at %d after concurrent appends", res.BrokenAtSeq)
	}
	if res.CheckedTo != n {
		t.Fatalf("expected %d entries, got %d", n, res.CheckedTo)
	}
}

func TestQueryFilters(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	_, _ = l.Append(ctx, Event{ActorID: "a1", EventType: EventRoleAssigned, TargetID: "u1", Severity: SeverityInfo})
	_, _ = l.Append(ctx, Event{ActorID: "a2", EventType: EventVoteCast, TargetID: "r1", Severity: SeverityInfo})
	_, _ = l.Append(ctx, Event{ActorID: "a1", EventType: EventDeletionExecuted, TargetID: "u2", Severity: SeverityCritical})

	byActor, _ := l.Query(ctx, Filter{ActorID: "a1"})
	if len(byActor) != 2 {
		t.Fatalf("actor filter: got %d", len(byActor))
	}
	bySeverity, _ := l.Query(ctx, Filter{Severity: SeverityCritical})
	if len(bySeverity) != 1 || bySeverity[0].EventType != EventDeletionExecuted {
		t.Fatalf("severity filter: %+v", bySeverity)
	}
	limited, _ := l.Query(ctx, Filter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("limit filter: got %d", len(limited))
	}
}
