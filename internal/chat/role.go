package chat

import (
	"fmt"
	"strings"
)

// Role is an organizational role. Lower values carry more authority.
type Role int

const (
	// RoleUnspecified represents an unknown role; it is never granted anything.
	RoleUnspecified Role = iota
	// RoleExecutive is the top organizational authority.
	RoleExecutive
	// RoleMainPMO is the central project-management office.
	RoleMainPMO
	// RoleAdmin administers the workspace.
	RoleAdmin
	// RoleDepartmentDirector leads one department.
	RoleDepartmentDirector
	// RoleProjectManager manages one or more projects.
	RoleProjectManager
	// RoleEmployee is a regular member.
	RoleEmployee
)

var roleNames = map[Role]string{
	RoleExecutive:          "executive",
	RoleMainPMO:            "main_pmo",
	RoleAdmin:              "admin",
	RoleDepartmentDirector: "department_director",
	RoleProjectManager:     "project_manager",
	RoleEmployee:           "employee",
}

// Roles returns every known role, highest authority first.
func Roles() []Role {
	return []Role{
		RoleExecutive,
		RoleMainPMO,
		RoleAdmin,
		RoleDepartmentDirector,
		RoleProjectManager,
		RoleEmployee,
	}
}

// ParseRole maps a wire or config string to a Role. Unknown values parse to
// RoleUnspecified.
func ParseRole(value string) Role {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch normalized {
	case "mainpmo", "pmo":
		return RoleMainPMO
	case "director", "departmentdirector":
		return RoleDepartmentDirector
	case "pm", "projectmanager":
		return RoleProjectManager
	}
	for role, name := range roleNames {
		if name == normalized {
			return role
		}
	}
	return RoleUnspecified
}

// String returns the wire name of the role.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unspecified"
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Outranks reports whether r carries strictly more authority than other.
func (r Role) Outranks(other Role) bool {
	if !r.Valid() {
		return false
	}
	if !other.Valid() {
		return true
	}
	return r < other
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name. Unknown names decode to RoleUnspecified.
func (r *Role) UnmarshalText(text []byte) error {
	if r == nil {
		return fmt.Errorf("chat: unmarshal role into nil")
	}
	*r = ParseRole(string(text))
	return nil
}
