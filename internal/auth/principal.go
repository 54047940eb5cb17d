package auth

import (
	"sort"
	"time"
)

// Principal is the authenticated identity of the current request.
type Principal struct {
	UserID    string
	Role      Role
	ZoneID    string
	Email     string
	DeviceID  string
	TokenID   string
	ExpiresAt time.Time

	Permissions map[string]struct{}
	// ExplicitPermissions is set when the token carried its own permission
	// list instead of relying on the role defaults.
	ExplicitPermissions bool
}

// NewPrincipal resolves the effective permission set: the claims' explicit
// permissions when present, the role defaults otherwise.
func NewPrincipal(c *Claims) Principal {
	p := Principal{
		UserID:   c.Subject,
		Role:     c.Role,
		ZoneID:   c.ZoneID,
		Email:    c.Email,
		DeviceID: c.DeviceID,
		TokenID:  c.ID,
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	perms := c.Permissions
	if len(perms) > 0 {
		p.ExplicitPermissions = true
	} else {
		perms = rolePermissions[c.Role]
	}
	p.Permissions = make(map[string]struct{}, len(perms))
	for _, key := range perms {
		p.Permissions[key] = struct{}{}
	}
	return p
}

// HasPermission reports whether the principal can execute action identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// PermissionList returns the effective permissions sorted.
func (p Principal) PermissionList() []string {
	out := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
