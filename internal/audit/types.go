package audit

import (
	"encoding/json"
	"time"
)

// Severity classifies how alarming an audit event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event types recorded by the governance components.
const (
	EventApprovalCreated   = "approval.created"
	EventVoteCast          = "approval.vote_cast"
	EventApprovalApproved  = "approval.approved"
	EventApprovalRejected  = "approval.rejected"
	EventApprovalExpired   = "approval.expired"
	EventApprovalCancelled = "approval.cancelled"
	EventRoleAssigned      = "role.assigned"
	EventRoleRevoked       = "role.revoked"
	EventTokenIssued       = "token.issued"
	EventTokenRedeemed     = "token.redeemed"
	EventDeletionScheduled = "deletion.scheduled"
	EventDeletionCancelled = "deletion.cancelled"
	EventDeletionExecuted  = "deletion.executed"
)

// Event is what callers hand to the ledger. Sequence, timestamps and
// hashes are assigned by the ledger itself.
type Event struct {
	ActorID   string          `json:"actor_id"`
	EventType string          `json:"event_type"`
	TargetID  string          `json:"target_id"`
	OldValue  json.RawMessage `json:"old_value,omitempty"`
	NewValue  json.RawMessage `json:"new_value,omitempty"`
	Severity  Severity        `json:"severity"`
}

// Entry is one immutable row of the ledger. Once written it is never
// updated or deleted by any component; that rule is enforced by this
// package's API surface, which exposes no mutation besides Append.
type Entry struct {
	Seq        uint64          `json:"seq"`
	OccurredAt time.Time       `json:"occurred_at"`
	ActorID    string          `json:"actor_id"`
	EventType  string          `json:"event_type"`
	TargetID   string          `json:"target_id"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	Severity   Severity        `json:"severity"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// Filter narrows Query results. Zero values mean "any".
type Filter struct {
	ActorID   string
	TargetID  string
	EventType string
	Severity  Severity
	From      time.Time
	To        time.Time
	Limit     int
}

// VerifyResult reports the outcome of a chain verification pass.
// BrokenAtSeq is meaningful only when Valid is false.
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	BrokenAtSeq uint64 `json:"broken_at_seq,omitempty"`
	CheckedFrom uint64 `json:"checked_from"`
	CheckedTo   uint64 `json:"checked_to"`
}
