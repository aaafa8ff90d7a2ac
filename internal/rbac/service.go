package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/ids"
	"github.com/czhaoca/pathfinder-sub004/internal/notify"
)

// Store describes persistence operations required by the role service.
type Store interface {
	RoleByName(ctx context.Context, name string) (Role, error)
	Roles(ctx context.Context) ([]Role, error)
	Assignments(ctx context.Context, userID string) ([]Assignment, error)
	Insert(ctx context.Context, a Assignment) error
	// Deactivate flips an active assignment to inactive. Returns false
	// when no active assignment matched, so revocation races resolve to
	// exactly one winner.
	Deactivate(ctx context.Context, userID, roleName string) (bool, error)
}

// Service is the source of truth for role membership and permission
// resolution. Every mutation lands in the audit ledger before returning
// and publishes a session-invalidate event for the identity layer.
type Service struct {
	store    Store
	ledger   audit.Ledger
	notifier notify.Publisher
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the role service.
func NewService(store Store, ledger audit.Ledger, notifier notify.Publisher, opts ...Option) (*Service, error) {
	if store == nil || ledger == nil || notifier == nil {
		return nil, fmt.Errorf("%w: store, ledger and notifier are required", governance.ErrValidation)
	}
	s := &Service{store: store, ledger: ledger, notifier: notifier, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AssignRole grants a role, gated by rank: the actor must outrank both
// the target user's current highest rank and the role being granted,
// unless the actor holds the top rank.
func (s *Service) AssignRole(ctx context.Context, userID, roleName, actorID string) error {
	if userID == "" || roleName == "" || actorID == "" {
		return fmt.Errorf("%w: user, role and actor are required", governance.ErrValidation)
	}
	role, err := s.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	if err := s.gate(ctx, userID, role, actorID); err != nil {
		return err
	}
	return s.ApplyAssignment(ctx, userID, roleName, actorID, nil)
}

// RevokeRole removes a role under the same rank gating rule. A top-rank
// actor can never demote itself.
func (s *Service) RevokeRole(ctx context.Context, userID, roleName, actorID string) error {
	if userID == "" || roleName == "" || actorID == "" {
		return fmt.Errorf("%w: user, role and actor are required", governance.ErrValidation)
	}
	role, err := s.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	if role.Rank == RankSiteAdmin && userID == actorID {
		return fmt.Errorf("%w: top-rank actors cannot demote themselves", governance.ErrSelfActionForbidden)
	}
	if err := s.gate(ctx, userID, role, actorID); err != nil {
		return err
	}
	return s.ApplyRevocation(ctx, userID, roleName, actorID)
}

// ApplyAssignment grants a role without rank gating. The approval engine
// calls this once consensus has replaced the individual rank check.
// Granting an already-held role is a no-op.
func (s *Service) ApplyAssignment(ctx context.Context, userID, roleName, grantedBy string, expiresAt *time.Time) error {
	oldRoles, err := s.roleNames(ctx, userID)
	if err != nil {
		return err
	}
	for _, held := range oldRoles {
		if held == roleName {
			return nil
		}
	}
	a := Assignment{
		ID:        ids.New(),
		UserID:    userID,
		RoleName:  roleName,
		GrantedBy: grantedBy,
		GrantedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
		Active:    true,
	}
	if err := s.store.Insert(ctx, a); err != nil {
		return err
	}
	return s.recordMutation(ctx, audit.EventRoleAssigned, userID, grantedBy, oldRoles, append(oldRoles, roleName))
}

// ApplyRevocation removes a role without rank gating.
func (s *Service) ApplyRevocation(ctx context.Context, userID, roleName, actorID string) error {
	oldRoles, err := s.roleNames(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.store.Deactivate(ctx, userID, roleName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no active assignment of %s for %s", governance.ErrNotFound, roleName, userID)
	}
	newRoles := make([]string, 0, len(oldRoles))
	for _, held := range oldRoles {
		if held != roleName {
			newRoles = append(newRoles, held)
		}
	}
	return s.recordMutation(ctx, audit.EventRoleRevoked, userID, actorID, oldRoles, newRoles)
}

// ActiveRoles returns the user's current active assignments, lapsed
// assignments excluded.
func (s *Service) ActiveRoles(ctx context.Context, userID string) ([]Assignment, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", governance.ErrValidation)
	}
	all, err := s.store.Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var active []Assignment
	for _, a := range all {
		if a.Active && !a.Expired(now) {
			active = append(active, a)
		}
	}
	return active, nil
}

// HasPermission resolves effective permissions: the union over every
// active role plus everything inherited from lower ranks.
func (s *Service) HasPermission(ctx context.Context, userID, code string) (bool, error) {
	perms, err := s.Permissions(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := perms[code]
	return ok, nil
}

// Permissions returns the resolved permission set for a user.
func (s *Service) Permissions(ctx context.Context, userID string) (map[string]struct{}, error) {
	active, err := s.ActiveRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles, err := s.store.Roles(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Role, len(roles))
	for _, r := range roles {
		byName[r.Name] = r
	}

	set := make(map[string]struct{})
	for _, a := range active {
		held, ok := byName[a.RoleName]
		if !ok {
			continue
		}
		for _, r := range roles {
			if r.Rank > held.Rank {
				continue
			}
			for _, p := range r.Permissions {
				set[p] = struct{}{}
			}
		}
	}
	return set, nil
}

// HighestRank returns the user's highest active rank, or zero when the
// user holds no roles.
func (s *Service) HighestRank(ctx context.Context, userID string) (Rank, error) {
	active, err := s.ActiveRoles(ctx, userID)
	if err != nil {
		return 0, err
	}
	var highest Rank
	for _, a := range active {
		role, err := s.store.RoleByName(ctx, a.RoleName)
		if err != nil {
			return 0, err
		}
		if role.Rank > highest {
			highest = role.Rank
		}
	}
	return highest, nil
}

// RoleByName exposes role reference data to the approval policy table.
func (s *Service) RoleByName(ctx context.Context, name string) (Role, error) {
	return s.store.RoleByName(ctx, name)
}

func (s *Service) gate(ctx context.Context, userID string, role Role, actorID string) error {
	actorRank, err := s.HighestRank(ctx, actorID)
	if err != nil {
		return err
	}
	if actorRank == RankSiteAdmin {
		return nil
	}
	userRank, err := s.HighestRank(ctx, userID)
	if err != nil {
		return err
	}
	if actorRank > userRank && actorRank > role.Rank {
		return nil
	}
	return fmt.Errorf("%w: rank %d may not mutate role %s (rank %d) of a rank-%d user",
		governance.ErrPermissionDenied, actorRank, role.Name, role.Rank, userRank)
}

func (s *Service) roleNames(ctx context.Context, userID string) ([]string, error) {
	active, err := s.ActiveRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(active))
	for _, a := range active {
		names = append(names, a.RoleName)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Service) recordMutation(ctx context.Context, eventType, userID, actorID string, oldRoles, newRoles []string) error {
	oldVal, _ := json.Marshal(map[string][]string{"roles": oldRoles})
	newVal, _ := json.Marshal(map[string][]string{"roles": newRoles})
	if _, err := s.ledger.Append(ctx, audit.Event{
		ActorID:   actorID,
		EventType: eventType,
		TargetID:  userID,
		OldValue:  oldVal,
		NewValue:  newVal,
		Severity:  audit.SeverityWarning,
	}); err != nil {
		return err
	}
	s.notifier.Publish(notify.Event{
		Kind:   notify.KindSessionInvalidate,
		UserID: userID,
		Payload: map[string]any{
			"reason": eventType,
		},
	})
	return nil
}
