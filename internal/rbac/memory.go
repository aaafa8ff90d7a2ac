package rbac

import (
	"context"
	"fmt"
	"sync"

	"github.com/czhaoca/pathfinder-sub004/internal/governance"
)

// MemoryStore implements Store with in-process concurrency safety,
// seeded with the builtin role hierarchy. The durable implementation
// lives in internal/store/pg.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]Role
	assignments map[string][]Assignment
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding the builtin roles.
func NewMemoryStore() *MemoryStore {
	roles := make(map[string]Role, len(BuiltinRoles))
	for _, r := range BuiltinRoles {
		roles[r.Name] = r
	}
	return &MemoryStore{
		roles:       roles,
		assignments: make(map[string][]Assignment),
	}
}

func (m *MemoryStore) RoleByName(ctx context.Context, name string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", governance.ErrNotFound, name)
	}
	return role, nil
}

func (m *MemoryStore) Roles(ctx context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		res = append(res, r)
	}
	return res, nil
}

func (m *MemoryStore) Assignments(ctx context.Context, userID string) ([]Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.assignments[userID]
	res := make([]Assignment, len(src))
	copy(res, src)
	return res, nil
}

func (m *MemoryStore) Insert(ctx context.Context, a Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, held := range m.assignments[a.UserID] {
		if held.Active && held.RoleName == a.RoleName {
			return nil
		}
	}
	m.assignments[a.UserID] = append(m.assignments[a.UserID], a)
	return nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, userID, roleName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.assignments[userID]
	for i := range list {
		if list[i].Active && list[i].RoleName == roleName {
			list[i].Active = false
			return true, nil
		}
	}
	return false, nil
}
