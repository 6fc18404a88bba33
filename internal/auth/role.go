// Package auth provides accounts, sessions, and role gating for the clinic API.
package auth

import "fmt"

// Role is the closed set of account roles. The role column carries one of
// these values and nothing else; ParseRole is the only way in.
type Role string

const (
	RolePhysician  Role = "physician"
	RolePharmacist Role = "pharmacist"
	RoleManager    Role = "manager"
)

// ParseRole validates a raw role string against the closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePhysician, RolePharmacist, RoleManager:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// String returns the role as stored.
func (r Role) String() string { return string(r) }
