package auth

// Account usertypes, lowest to highest privilege.
const (
	RoleWorker     = "WORKER"
	RoleDepartment = "DEPARTMENT"
	RoleAdmin      = "ADMIN"
	RoleSuperadmin = "SUPERADMIN"
)

// BootstrapID is the seed SUPERADMIN account. Nobody else may modify or
// delete it, including other SUPERADMINs.
const BootstrapID int64 = 1

var roleRank = map[string]int{
	RoleWorker:     1,
	RoleDepartment: 2,
	RoleAdmin:      3,
	RoleSuperadmin: 4,
}

// ValidRole reports whether s is one of the defined usertypes.
func ValidRole(s string) bool {
	_, ok := roleRank[s]
	return ok
}

// IsAdmin reports whether the usertype passes admin-only gates.
func IsAdmin(usertype string) bool {
	return usertype == RoleAdmin || usertype == RoleSuperadmin
}

// Account is the authenticated principal attached to the request context.
type Account struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Usertype     string `json:"usertype"`
	DepartmentID *int64 `json:"department_id,omitempty"`
}

// Target is the account an operation wants to modify or delete.
type Target struct {
	ID           int64
	Usertype     string
	DepartmentID *int64
}

// CanModify decides whether actor may modify or delete target:
// the bootstrap account only by itself; SUPERADMIN anyone else; ADMIN anyone
// below SUPERADMIN; DEPARTMENT the WORKER accounts of its own department;
// WORKER itself.
func CanModify(actor Account, target Target) bool {
	if target.ID == BootstrapID {
		return actor.ID == BootstrapID
	}
	if actor.ID == target.ID {
		return true
	}
	switch actor.Usertype {
	case RoleSuperadmin:
		return true
	case RoleAdmin:
		return target.Usertype != RoleSuperadmin
	case RoleDepartment:
		return target.Usertype == RoleWorker &&
			actor.DepartmentID != nil && target.DepartmentID != nil &&
			*actor.DepartmentID == *target.DepartmentID
	default:
		return false
	}
}
