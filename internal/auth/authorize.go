package auth

import "slices"

// Requirement declares what a route needs from the principal. Empty Roles or
// Permissions impose no constraint.
type Requirement struct {
	Roles       []Role
	Permissions []string
}

// Authorize checks role, then permissions, then zone. targetZone is the zone
// the request addresses; empty means the request is not zone scoped.
func Authorize(p Principal, req Requirement, targetZone string) error {
	if len(req.Roles) > 0 && !slices.Contains(req.Roles, p.Role) {
		return ErrInsufficientRole
	}
	for _, perm := range req.Permissions {
		if !p.HasPermission(perm) {
			return ErrInsufficientPermissions
		}
	}
	if targetZone == "" || p.Role.GlobalScope() {
		return nil
	}
	if targetZone != p.ZoneID {
		return ErrZoneAccessDenied
	}
	return nil
}
