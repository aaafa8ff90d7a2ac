package rbac

import "time"

// Rank is the ordinal position of a role in the hierarchy. Privilege
// escalating mutations are gated by comparing ranks, never role names.
type Rank int

const (
	RankUser      Rank = 1
	RankAdmin     Rank = 2
	RankSiteAdmin Rank = 3
)

// Role is immutable reference data: a name, its rank and the permission
// set it grants directly. Effective permissions also include everything
// inherited from lower ranks.
type Role struct {
	Name        string   `json:"name"`
	Rank        Rank     `json:"rank"`
	Permissions []string `json:"permissions"`
}

// Assignment binds a user to a role. A user may hold several active
// assignments at once.
type Assignment struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	RoleName  string     `json:"role_name"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

// Expired reports whether the assignment has lapsed at the given time.
func (a Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

const (
	RoleUser      = "user"
	RoleAdmin     = "admin"
	RoleSiteAdmin = "site_admin"
)

// Permission codes consumed by the identity layer when authorizing the
// rest of the platform.
const (
	PermProfileRead      = "profile.read"
	PermProfileWrite     = "profile.write"
	PermChatUse          = "chat.use"
	PermJobSearchUse     = "jobsearch.use"
	PermLearningUse      = "learning.use"
	PermUsersManage      = "users.manage"
	PermRolesAssign      = "roles.assign"
	PermApprovalsVote    = "approvals.vote"
	PermDeletionsManage  = "deletions.manage"
	PermAuditRead        = "audit.read"
	PermRolesGrantAdmin  = "roles.grant_admin"
	PermGovernanceDirect = "governance.immediate"
	PermAuditVerify      = "audit.verify"
	PermTokensIssue      = "tokens.issue"
)

// BuiltinRoles is the fixed role hierarchy. Each role lists only the
// permissions it adds; resolution unions in everything below it.
var BuiltinRoles = []Role{
	{
		Name: RoleUser,
		Rank: RankUser,
		Permissions: []string{
			PermProfileRead, PermProfileWrite,
			PermChatUse, PermJobSearchUse, PermLearningUse,
		},
	},
	{
		Name: RoleAdmin,
		Rank: RankAdmin,
		Permissions: []string{
			PermUsersManage, PermRolesAssign, PermApprovalsVote,
			PermDeletionsManage, PermAuditRead,
		},
	},
	{
		Name: RoleSiteAdmin,
		Rank: RankSiteAdmin,
		Permissions: []string{
			PermRolesGrantAdmin, PermGovernanceDirect,
			PermAuditVerify, PermTokensIssue,
		},
	},
}
