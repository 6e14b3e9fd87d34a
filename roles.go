package auth

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Role is an account role
type Role string

const (
	// RoleUser is the default role for every new account
	RoleUser Role = "USER"
	// RoleManager handles tour operations
	RoleManager Role = "MANAGER"
	// RoleAdmin has full access
	RoleAdmin Role = "ADMIN"
)

// IsValid checks if the role is one of the predefined roles
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.IsValid()
}

// RoleSet is the set of roles held by an account. It is stored as a comma
// separated column.
type RoleSet []Role

// NewRoleSet returns roles without duplicates, in first seen order.
func NewRoleSet(roles ...Role) RoleSet {
	out := make(RoleSet, 0, len(roles))
	for _, r := range roles {
		if !out.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s RoleSet) Has(role Role) bool {
	for _, r := range s {
		if r == role {
			return true
		}
	}
	return false
}

// HasAny reports whether the set shares at least one role with roles.
func (s RoleSet) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if s.Has(r) {
			return true
		}
	}
	return false
}

func (s RoleSet) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = string(r)
	}
	return out
}

// ParseRoleSet reads a list of role names. Unknown names are an error.
func ParseRoleSet(names []string) (RoleSet, error) {
	roles := make([]Role, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		r, ok := ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		roles = append(roles, r)
	}
	return NewRoleSet(roles...), nil
}

// Value implements driver.Valuer
func (s RoleSet) Value() (driver.Value, error) {
	return strings.Join(s.Strings(), ","), nil
}

// Scan implements sql.Scanner
func (s *RoleSet) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*s = RoleSet{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("roles: unsupported scan type %T", src)
	}

	set, err := ParseRoleSet(strings.Split(raw, ","))
	if err != nil {
		return err
	}
	*s = set
	return nil
}
