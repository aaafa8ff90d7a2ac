package approval

import (
	"testing"

	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

func TestLookupPolicy(t *testing.T) {
	cases := []struct {
		name      string
		action    ActionKind
		initiator rbac.Rank
		target    rbac.Rank
		want      int
		ok        bool
	}{
		{"admin grants base rank", ActionPromote, rbac.RankAdmin, rbac.RankUser, 1, true},
		{"admin promotes to admin", ActionPromote, rbac.RankAdmin, rbac.RankAdmin, 2, true},
		{"admin deletes user", ActionDelete, rbac.RankAdmin, rbac.RankUser, 2, true},
		{"admin deletes admin", ActionDelete, rbac.RankAdmin, rbac.RankAdmin, 3, true},
		{"admin deletes top rank", ActionDelete, rbac.RankAdmin, rbac.RankSiteAdmin, 0, false},
		{"base rank deletes user", ActionDelete, rbac.RankUser, rbac.RankUser, 0, false},
		{"unranked target gated as base", ActionDelete, rbac.RankAdmin, 0, 2, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, ok := lookupPolicy(tc.action, tc.initiator, tc.target)
			if ok != tc.ok {
				t.Fatalf("ok=%v want %v", ok, tc.ok)
			}
			if ok && p.RequiredApprovals != tc.want {
				t.Fatalf("required=%d want %d", p.RequiredApprovals, tc.want)
			}
			if ok && p.Window != votingWindow {
				t.Fatalf("window=%v", p.Window)
			}
		})
	}
}
