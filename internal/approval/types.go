package approval

import "time"

// ActionKind is the category of privileged mutation under consensus.
type ActionKind string

const (
	ActionPromote ActionKind = "promote"
	ActionDelete  ActionKind = "delete"
)

// Status is the lifecycle state of an approval request. Everything but
// pending is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// Decision is a voter's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionAbstain Decision = "abstain"
)

// Request is a pending or historical approval request. Requests are
// never physically deleted; terminal ones remain as the record of what
// was asked and decided.
type Request struct {
	ID                string     `json:"id"`
	Action            ActionKind `json:"action"`
	TargetUserID      string     `json:"target_user_id"`
	FromRole          string     `json:"from_role,omitempty"`
	ToRole            string     `json:"to_role,omitempty"`
	InitiatorID       string     `json:"initiator_id"`
	RequiredApprovals int        `json:"required_approvals"`
	CurrentApprovals  int        `json:"current_approvals"`
	Status            Status     `json:"status"`
	Justification     string     `json:"justification"`
	Immediate         bool       `json:"immediate"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Vote is one voter's recorded verdict on a request. At most one vote
// exists per (approval, voter); the initiator's consent is a threshold
// offset at creation, not a vote row.
type Vote struct {
	ID         string    `json:"id"`
	ApprovalID string    `json:"approval_id"`
	VoterID    string    `json:"voter_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status       Status
	TargetUserID string
	InitiatorID  string
	Limit        int
}

// CreateRequest carries the inputs for opening a request.
type CreateRequest struct {
	Action        ActionKind
	TargetUserID  string
	ToRole        string // promotions only
	InitiatorID   string
	Justification string
}
