package approval

import (
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

// votingWindow is how long a pending request accepts votes.
const votingWindow = 72 * time.Hour

// expiryWarningLead is how far before expiry the single
// approval-expiring notification fires.
const expiryWarningLead = 24 * time.Hour

// deletionCoolingOffDays is the cooling-off window for deletions that
// go through the consensus path.
const deletionCoolingOffDays = 7

// Policy is one row of the consensus policy table.
type Policy struct {
	RequiredApprovals int
	Window            time.Duration
}

type policyKey struct {
	Action        ActionKind
	InitiatorRank rbac.Rank
	TargetRank    rbac.Rank
}

// policyTable keys consensus requirements by (action, initiator rank,
// target rank). Kept as data rather than conditionals so the policy is
// auditable and testable in isolation. Absent key means the initiator
// may not open that request at all; top-rank initiators bypass the
// table entirely (immediate execution).
var policyTable = map[policyKey]Policy{
	// An admin granting the base rank needs no peer: the implicit
	// initiator approval satisfies the threshold at creation.
	{ActionPromote, rbac.RankAdmin, rbac.RankUser}: {RequiredApprovals: 1, Window: votingWindow},
	// An admin cannot unilaterally create another admin.
	{ActionPromote, rbac.RankAdmin, rbac.RankAdmin}: {RequiredApprovals: 2, Window: votingWindow},

	// Deleting a regular account takes two admins; deleting an admin
	// account takes three.
	{ActionDelete, rbac.RankAdmin, rbac.RankUser}:  {RequiredApprovals: 2, Window: votingWindow},
	{ActionDelete, rbac.RankAdmin, rbac.RankAdmin}: {RequiredApprovals: 3, Window: votingWindow},
}

// lookupPolicy resolves the consensus requirement. ok is false when the
// initiator's rank cannot open this action against this target rank
// (e.g. nobody below top rank may touch a top-rank account).
func lookupPolicy(action ActionKind, initiatorRank, targetRank rbac.Rank) (Policy, bool) {
	if targetRank < rbac.RankUser {
		// Unranked targets are gated like base-rank users.
		targetRank = rbac.RankUser
	}
	p, ok := policyTable[policyKey{action, initiatorRank, targetRank}]
	return p, ok
}
