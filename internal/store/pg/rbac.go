package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

// RoleStore is the durable rbac.Store. Role reference data lives in the
// roles table seeded by migrations; assignments are append-plus-flag,
// never deleted.
type RoleStore struct {
	store *Store
}

var _ rbac.Store = (*RoleStore)(nil)

// NewRoleStore binds the role store to a store.
func NewRoleStore(store *Store) *RoleStore { return &RoleStore{store: store} }

func (s *RoleStore) RoleByName(ctx context.Context, name string) (rbac.Role, error) {
	var (
		role     rbac.Role
		rawPerms []byte
	)
	err := s.store.db.QueryRowContext(ctx, `
		select name, rank, permissions from roles where name = $1
	`, name).Scan(&role.Name, &role.Rank, &rawPerms)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, fmt.Errorf("%w: role %s", governance.ErrNotFound, name)
	}
	if err != nil {
		return rbac.Role{}, err
	}
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &role.Permissions); err != nil {
			return rbac.Role{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return role, nil
}

func (s *RoleStore) Roles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		select name, rank, permissions from roles order by rank asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var (
			role     rbac.Role
			rawPerms []byte
		)
		if err := rows.Scan(&role.Name, &role.Rank, &rawPerms); err != nil {
			return nil, err
		}
		if len(rawPerms) > 0 {
			if err := json.Unmarshal(rawPerms, &role.Permissions); err != nil {
				return nil, fmt.Errorf("decode permissions: %w", err)
			}
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *RoleStore) Assignments(ctx context.Context, userID string) ([]rbac.Assignment, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		select id, user_id, role_name, granted_by, granted_at, expires_at, active
		from role_assignments
		where user_id = $1
		order by granted_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []rbac.Assignment
	for rows.Next() {
		var (
			a   rbac.Assignment
			exp sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleName, &a.GrantedBy, &a.GrantedAt, &exp, &a.Active); err != nil {
			return nil, err
		}
		if exp.Valid {
			t := exp.Time
			a.ExpiresAt = &t
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

func (s *RoleStore) Insert(ctx context.Context, a rbac.Assignment) error {
	var exp any
	if a.ExpiresAt != nil {
		exp = *a.ExpiresAt
	}
	_, err := s.store.db.ExecContext(ctx, `
		insert into role_assignments (id, user_id, role_name, granted_by, granted_at, expires_at, active)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.UserID, a.RoleName, a.GrantedBy, a.GrantedAt, exp, a.Active)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: role %s", governance.ErrNotFound, a.RoleName)
		}
		return err
	}
	return nil
}

func (s *RoleStore) Deactivate(ctx context.Context, userID, roleName string) (bool, error) {
	res, err := s.store.db.ExecContext(ctx, `
		update role_assignments set active = false
		where user_id = $1 and role_name = $2 and active
	`, userID, roleName)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}
