package auth

import (
	"sort"
	"strings"
)

// Role is one of the closed set of account roles.
type Role string

const (
	RoleCaregiver   Role = "caregiver"
	RoleCoordinator Role = "coordinator"
	RoleAdmin       Role = "admin"
)

// ParseRole normalises s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

func (r Role) Valid() bool {
	switch r {
	case RoleCaregiver, RoleCoordinator, RoleAdmin:
		return true
	}
	return false
}

// GlobalScope reports whether the role spans every zone.
func (r Role) GlobalScope() bool { return r == RoleAdmin }

const (
	PermClientsRead    = "clients:read"
	PermClientsWrite   = "clients:write"
	PermCarePlansRead  = "care_plans:read"
	PermCarePlansWrite = "care_plans:write"
	PermVisitsRead     = "visits:read"
	PermVisitsWrite    = "visits:write"
	PermVisitsManage   = "visits:manage"
	PermReportsRead    = "reports:read"
	PermZonesRead      = "zones:read"
	PermZonesManage    = "zones:manage"
	PermUsersManage    = "users:manage"
)

var rolePermissions = map[Role][]string{
	RoleCaregiver: {
		PermClientsRead,
		PermCarePlansRead,
		PermVisitsRead,
		PermVisitsWrite,
	},
	RoleCoordinator: {
		PermClientsRead,
		PermClientsWrite,
		PermCarePlansRead,
		PermCarePlansWrite,
		PermVisitsRead,
		PermVisitsWrite,
		PermVisitsManage,
		PermReportsRead,
		PermZonesRead,
	},
	RoleAdmin: {
		PermClientsRead,
		PermClientsWrite,
		PermCarePlansRead,
		PermCarePlansWrite,
		PermVisitsRead,
		PermVisitsWrite,
		PermVisitsManage,
		PermReportsRead,
		PermZonesRead,
		PermZonesManage,
		PermUsersManage,
	},
}

// DefaultPermissions returns a sorted copy of the role's default permission set.
func DefaultPermissions(r Role) []string {
	perms := append([]string(nil), rolePermissions[r]...)
	sort.Strings(perms)
	return perms
}
