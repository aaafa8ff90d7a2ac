package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/approval"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
)

// ApprovalStore is the durable approval.Store. Tally increments and
// status transitions are conditional updates; the unique constraint on
// (approval_id, voter_id) enforces one vote per voter.
type ApprovalStore struct {
	store *Store
}

var _ approval.Store = (*ApprovalStore)(nil)

// NewApprovalStore binds the approval store to a store.
func NewApprovalStore(store *Store) *ApprovalStore { return &ApprovalStore{store: store} }

const approvalColumns = `id, action, target_user_id, from_role, to_role, initiator_id,
	required_approvals, current_approvals, status, justification, immediate,
	created_at, expires_at, completed_at`

func (s *ApprovalStore) Insert(ctx context.Context, r approval.Request) error {
	var completed any
	if r.CompletedAt != nil {
		completed = *r.CompletedAt
	}
	_, err := s.store.db.ExecContext(ctx, `
		insert into approval_requests (`+approvalColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, r.ID, string(r.Action), r.TargetUserID, r.FromRole, r.ToRole, r.InitiatorID,
		r.RequiredApprovals, r.CurrentApprovals, string(r.Status), r.Justification, r.Immediate,
		r.CreatedAt, r.ExpiresAt, completed)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: approval %s already exists", governance.ErrValidation, r.ID)
		}
		return err
	}
	return nil
}

func (s *ApprovalStore) Get(ctx context.Context, id string) (approval.Request, error) {
	row := s.store.db.QueryRowContext(ctx, `
		select `+approvalColumns+` from approval_requests where id = $1
	`, id)
	r, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Request{}, fmt.Errorf("%w: approval %s", governance.ErrNotFound, id)
	}
	return r, err
}

func (s *ApprovalStore) List(ctx context.Context, f approval.ListFilter) ([]approval.Request, error) {
	var (
		conds []string
		args  []any
		idx   = 1
	)
	add := func(cond string, v any) {
		conds = append(conds, fmt.Sprintf(cond, idx))
		args = append(args, v)
		idx++
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.TargetUserID != "" {
		add("target_user_id = $%d", f.TargetUserID)
	}
	if f.InitiatorID != "" {
		add("initiator_id = $%d", f.InitiatorID)
	}

	query := `select ` + approvalColumns + ` from approval_requests`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	query += " order by created_at desc"
	if f.Limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, f.Limit)
	}

	rows, err := s.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ApprovalStore) InsertVote(ctx context.Context, v approval.Vote) error {
	_, err := s.store.db.ExecContext(ctx, `
		insert into approval_votes (id, approval_id, voter_id, decision, comment, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, v.ID, v.ApprovalID, v.VoterID, string(v.Decision), v.Comment, v.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: voter %s on approval %s", governance.ErrAlreadyVoted, v.VoterID, v.ApprovalID)
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: approval %s", governance.ErrNotFound, v.ApprovalID)
			}
		}
		return err
	}
	return nil
}

func (s *ApprovalStore) Votes(ctx context.Context, approvalID string) ([]approval.Vote, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		select id, approval_id, voter_id, decision, comment, created_at
		from approval_votes
		where approval_id = $1
		order by created_at asc
	`, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []approval.Vote
	for rows.Next() {
		var (
			v        approval.Vote
			decision string
			comment  sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.ApprovalID, &v.VoterID, &decision, &comment, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Decision = approval.Decision(decision)
		if comment.Valid {
			v.Comment = comment.String
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return votes, nil
}

func (s *ApprovalStore) AddApproval(ctx context.Context, id string) (int, int, error) {
	var current, required int
	err := s.store.db.QueryRowContext(ctx, `
		update approval_requests
		set current_approvals = least(current_approvals + 1, required_approvals)
		where id = $1 and status = $2
		returning current_approvals, required_approvals
	`, id, string(approval.StatusPending)).Scan(&current, &required)
	if errors.Is(err, sql.ErrNoRows) {
		// Either absent or no longer pending; disambiguate for the caller.
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return 0, 0, gerr
		}
		return 0, 0, governance.ErrAlreadyCompleted
	}
	if err != nil {
		return 0, 0, err
	}
	return current, required, nil
}

func (s *ApprovalStore) Transition(ctx context.Context, id string, from, to approval.Status, completedAt time.Time) (bool, error) {
	var completed any
	if to.Terminal() {
		completed = completedAt
	}
	res, err := s.store.db.ExecContext(ctx, `
		update approval_requests
		set status = $3, completed_at = $4
		where id = $1 and status = $2
	`, id, string(from), string(to), completed)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *ApprovalStore) ExpireDue(ctx context.Context, now time.Time) ([]approval.Request, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		update approval_requests
		set status = $1, completed_at = $2
		where status = $3 and expires_at <= $2
		returning `+approvalColumns+`
	`, string(approval.StatusExpired), now, string(approval.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []approval.Request
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *ApprovalStore) PendingExpiringBefore(ctx context.Context, deadline time.Time) ([]approval.Request, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		select `+approvalColumns+` from approval_requests
		where status = $1 and not expiry_notified and expires_at <= $2
	`, string(approval.StatusPending), deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ApprovalStore) MarkExpiryNotified(ctx context.Context, id string) (bool, error) {
	res, err := s.store.db.ExecContext(ctx, `
		update approval_requests set expiry_notified = true
		where id = $1 and not expiry_notified
	`, id)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (approval.Request, error) {
	var (
		r         approval.Request
		action    string
		fromRole  sql.NullString
		toRole    sql.NullString
		status    string
		completed sql.NullTime
	)
	if err := row.Scan(&r.ID, &action, &r.TargetUserID, &fromRole, &toRole, &r.InitiatorID,
		&r.RequiredApprovals, &r.CurrentApprovals, &status, &r.Justification, &r.Immediate,
		&r.CreatedAt, &r.ExpiresAt, &completed); err != nil {
		return approval.Request{}, err
	}
	r.Action = approval.ActionKind(action)
	r.Status = approval.Status(status)
	if fromRole.Valid {
		r.FromRole = fromRole.String
	}
	if toRole.Valid {
		r.ToRole = toRole.String
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}
