package deletion

import "time"

// Status is the lifecycle state of a deletion record. Pending records
// sit in the cooling-off window; everything else is terminal.
type Status string

const (
	StatusPending   Status = "pending_deletion"
	StatusCancelled Status = "cancelled"
	StatusPurged    Status = "purged"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// Record tracks one scheduled account deletion through its cooling-off
// window. Records are never physically removed; cancelled and executed
// ones remain as the historical trail.
type Record struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	InitiatorID   string     `json:"initiator_id"`
	Reason        string     `json:"reason"`
	Status        Status     `json:"status"`
	CancelTokenID string     `json:"cancel_token_id,omitempty"`
	Immediate     bool       `json:"immediate"`
	CreatedAt     time.Time  `json:"created_at"`
	ExecuteAt     time.Time  `json:"execute_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// reminderOffsets are the lead times before execution at which the user
// is reminded once each that the deletion is coming.
var reminderOffsets = []time.Duration{72 * time.Hour, 24 * time.Hour, time.Hour}
