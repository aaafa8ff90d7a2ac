package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/deletion"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
)

// DeletionStore is the durable deletion.Store. A partial unique index on
// (user_id) where status = 'pending_deletion' keeps one pending record
// per user; reminder claims are insert-on-conflict no-ops.
type DeletionStore struct {
	store *Store
}

var _ deletion.Store = (*DeletionStore)(nil)

// NewDeletionStore binds the deletion store to a store.
func NewDeletionStore(store *Store) *DeletionStore { return &DeletionStore{store: store} }

const deletionColumns = `id, user_id, initiator_id, reason, status, cancel_token_id,
	immediate, created_at, execute_at, completed_at`

func (s *DeletionStore) Insert(ctx context.Context, r deletion.Record) error {
	var completed any
	if r.CompletedAt != nil {
		completed = *r.CompletedAt
	}
	_, err := s.store.db.ExecContext(ctx, `
		insert into deletion_records (`+deletionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, r.ID, r.UserID, r.InitiatorID, r.Reason, string(r.Status), r.CancelTokenID,
		r.Immediate, r.CreatedAt, r.ExecuteAt, completed)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: user %s already has a pending deletion", governance.ErrAlreadyCompleted, r.UserID)
		}
		return err
	}
	return nil
}

func (s *DeletionStore) Get(ctx context.Context, id string) (deletion.Record, error) {
	row := s.store.db.QueryRowContext(ctx, `
		select `+deletionColumns+` from deletion_records where id = $1
	`, id)
	r, err := scanDeletion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return deletion.Record{}, fmt.Errorf("%w: deletion %s", governance.ErrNotFound, id)
	}
	return r, err
}

func (s *DeletionStore) PendingByUser(ctx context.Context, userID string) (deletion.Record, bool, error) {
	row := s.store.db.QueryRowContext(ctx, `
		select `+deletionColumns+` from deletion_records
		where user_id = $1 and status = $2
	`, userID, string(deletion.StatusPending))
	r, err := scanDeletion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return deletion.Record{}, false, nil
	}
	if err != nil {
		return deletion.Record{}, false, err
	}
	return r, true, nil
}

func (s *DeletionStore) Transition(ctx context.Context, id string, from, to deletion.Status, completedAt time.Time) (bool, error) {
	var completed any
	if to.Terminal() {
		completed = completedAt
	}
	res, err := s.store.db.ExecContext(ctx, `
		update deletion_records
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

func (s *DeletionStore) ExecuteDue(ctx context.Context, now time.Time) ([]deletion.Record, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		update deletion_records
		set status = $1, completed_at = $2
		where status = $3 and execute_at <= $2
		returning `+deletionColumns+`
	`, string(deletion.StatusPurged), now, string(deletion.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executed []deletion.Record
	for rows.Next() {
		r, err := scanDeletion(rows)
		if err != nil {
			return nil, err
		}
		executed = append(executed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return executed, nil
}

func (s *DeletionStore) Pending(ctx context.Context) ([]deletion.Record, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		select `+deletionColumns+` from deletion_records
		where status = $1
		order by execute_at asc
	`, string(deletion.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []deletion.Record
	for rows.Next() {
		r, err := scanDeletion(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *DeletionStore) ClaimReminder(ctx context.Context, id string, offset time.Duration) (bool, error) {
	res, err := s.store.db.ExecContext(ctx, `
		insert into deletion_reminders (deletion_id, lead_seconds)
		values ($1, $2)
		on conflict do nothing
	`, id, int64(offset.Seconds()))
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func scanDeletion(row rowScanner) (deletion.Record, error) {
	var (
		r         deletion.Record
		status    string
		tokenID   sql.NullString
		completed sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.InitiatorID, &r.Reason, &status, &tokenID,
		&r.Immediate, &r.CreatedAt, &r.ExecuteAt, &completed); err != nil {
		return deletion.Record{}, err
	}
	r.Status = deletion.Status(status)
	if tokenID.Valid {
		r.CancelTokenID = tokenID.String
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}
