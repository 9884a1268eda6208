package projection

import "slices"

// AdminsRole grants full control over every projection.
const AdminsRole = "$admins"

// SystemUser is the identity used by the coordinator itself.
const SystemUser = "$system"

// RunAs is the identity a command executes under.
type RunAs struct {
	User  string   `json:"user"`
	Roles []string `json:"roles,omitempty"`
}

// System is the all-powerful internal identity.
var System = RunAs{User: SystemUser, Roles: []string{AdminsRole}}

// Anonymous is the identity of an unauthenticated caller.
var Anonymous = RunAs{}

// IsAnonymous reports whether no user is set.
func (r RunAs) IsAnonymous() bool {
	return r.User == ""
}

// IsAdmin reports whether r may manage any projection.
func (r RunAs) IsAdmin() bool {
	return r.User == SystemUser || slices.Contains(r.Roles, AdminsRole)
}

// CanCreate reports whether r may create a projection in mode m.
// Only transient projections may be created by ordinary users.
func (r RunAs) CanCreate(m Mode) bool {
	if r.IsAdmin() {
		return true
	}
	return m == ModeTransient && !r.IsAnonymous()
}

// CanManage reports whether r may enable, disable or delete a projection
// owned by owner.
func (r RunAs) CanManage(owner RunAs) bool {
	if r.IsAdmin() {
		return true
	}
	return !r.IsAnonymous() && r.User == owner.User
}
