package access

import "strings"

// Role is the closed set of actor roles. Tenant visibility is decided per
// role in Resolver.Resolve; adding a role means extending that switch, which
// the unknown-role error makes impossible to forget silently.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleOrganizer   Role = "organizer"
	RoleCampusAdmin Role = "campus_admin"
	RoleSuperAdmin  Role = "super_admin"
)

// ParseRole normalizes a role string.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	switch r {
	case RoleParticipant, RoleOrganizer, RoleCampusAdmin, RoleSuperAdmin:
		return r, true
	}
	return "", false
}

// Privileged reports whether the role may request a campus override or
// administrative actions.
func (r Role) Privileged() bool {
	return r == RoleCampusAdmin || r == RoleSuperAdmin
}

// Actor is an authenticated identity as handed over by the session layer.
// Every actor has exactly one home campus. AccessibleCampusIDs is meaningful
// only for campus admins; a super admin implicitly reaches all active
// campuses regardless of the explicit set.
type Actor struct {
	ID                  string   `json:"id"`
	Role                Role     `json:"role"`
	HomeCampusID        string   `json:"home_campus_id"`
	AccessibleCampusIDs []string `json:"accessible_campus_ids,omitempty"`
}
