package credtoken

import "time"

// Type classifies what capability a token carries.
type Type string

const (
	TypeRetrieval  Type = "retrieval"
	TypeReset      Type = "reset"
	TypeForceReset Type = "force_reset"
	TypeActivation Type = "activation"
	// TypeDeletionCancel guards the cooling-off escape hatch. Issued by
	// the deletion scheduler, never by the admin surface directly.
	TypeDeletionCancel Type = "deletion_cancel"
)

// ValidType reports whether t is a known token type.
func ValidType(t Type) bool {
	switch t {
	case TypeRetrieval, TypeReset, TypeForceReset, TypeActivation, TypeDeletionCancel:
		return true
	}
	return false
}

// Token is the stored record. The plaintext value is never stored; only
// its one-way hash survives issuance.
type Token struct {
	ID        string     `json:"id"`
	TokenHash string     `json:"-"`
	UserID    string     `json:"user_id"`
	Type      Type       `json:"type"`
	Reason    string     `json:"reason,omitempty"`
	Payload   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// Live reports whether the token can still be redeemed at the given time.
func (t Token) Live(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// IssueRequest carries the inputs for issuing a token.
type IssueRequest struct {
	UserID  string
	Type    Type
	Reason  string
	Payload string
	TTL     time.Duration
}

// Redemption is what a successful redeem returns to the caller.
// Retrieval tokens additionally carry a freshly generated temporary
// password: the plaintext for the redeeming user, the bcrypt hash for
// the identity collaborator to store.
type Redemption struct {
	TokenID   string `json:"token_id"`
	TokenHash string `json:"-"`
	UserID    string `json:"user_id"`
	Type      Type   `json:"type"`
	Reason    string `json:"reason,omitempty"`
	Payload   string `json:"payload,omitempty"`

	TemporaryPassword     string `json:"temporary_password,omitempty"`
	TemporaryPasswordHash string `json:"-"`
}
