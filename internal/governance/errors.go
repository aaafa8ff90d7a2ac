// Package governance holds the error taxonomy shared by the role store,
// approval engine, credential token service and deletion scheduler. The
// sentinels cross package boundaries (the deletion scheduler surfaces
// token errors, the approval engine surfaces rank errors), so they live
// here rather than in any one component.
package governance

import "errors"

var (
	// ErrPermissionDenied — the actor's rank is insufficient for the mutation.
	ErrPermissionDenied = errors.New("governance: permission denied")

	// ErrSelfActionForbidden — self-approval, voting on one's own request,
	// or a top-rank actor demoting itself.
	ErrSelfActionForbidden = errors.New("governance: self action forbidden")

	// ErrAlreadyVoted — a vote already exists for (approval, voter).
	ErrAlreadyVoted = errors.New("governance: already voted")

	// ErrInvalidOrExpiredToken — token absent, already used or expired.
	// The three cases are deliberately indistinguishable.
	ErrInvalidOrExpiredToken = errors.New("governance: invalid or expired token")

	// ErrNotFound — referenced record does not exist.
	ErrNotFound = errors.New("governance: not found")

	// ErrAlreadyCompleted — lost a race for a terminal transition. Benign:
	// the effect happened exactly once, just not on this call.
	ErrAlreadyCompleted = errors.New("governance: already completed")

	// ErrIntegrityViolation — audit chain verification failed. Never
	// auto-repaired; the ledger stays immutable and the range is flagged.
	ErrIntegrityViolation = errors.New("governance: integrity violation")

	// ErrValidation — malformed or missing input.
	ErrValidation = errors.New("governance: validation error")
)

// Code maps a governance error to its stable wire code. Unknown errors
// map to "internal" so the taxonomy stays closed.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrSelfActionForbidden):
		return "self_action_forbidden"
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrInvalidOrExpiredToken):
		return "invalid_or_expired_token"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return "internal"
	}
}
