package model

import "fmt"

// Role is an access level. Roles are totally ordered by their numeric value.
type Role int

const (
	RoleAnonymous Role = iota
	RoleBasic
	RolePremium
	RoleDeveloper
	RoleAdmin
)

var roleNames = [...]string{
	RoleAnonymous: "anonymous",
	RoleBasic:     "basic",
	RolePremium:   "premium",
	RoleDeveloper: "developer",
	RoleAdmin:     "admin",
}

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r >= RoleAnonymous && r <= RoleAdmin
}

// AtLeast reports whether r grants at least the access of required.
func (r Role) AtLeast(required Role) bool {
	return r >= required
}

// ParseRole converts a role name to a Role. Unknown names are an error.
func ParseRole(s string) (Role, error) {
	for i, name := range roleNames {
		if name == s {
			return Role(i), nil
		}
	}
	return RoleAnonymous, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(roleNames[r]), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
