package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func principalFor(role Role, zone string, perms ...string) Principal {
	c := &Claims{Role: role, ZoneID: zone, Permissions: perms}
	c.Subject = "u-" + string(role)
	return NewPrincipal(c)
}

func TestNewPrincipalUsesRoleDefaults(t *testing.T) {
	p := principalFor(RoleCaregiver, "zone-1")
	assert.False(t, p.ExplicitPermissions)
	assert.True(t, p.HasPermission(PermVisitsWrite))
	assert.False(t, p.HasPermission(PermUsersManage))
	assert.Equal(t, DefaultPermissions(RoleCaregiver), p.PermissionList())
}

func TestExplicitPermissionsOverrideRoleDefaults(t *testing.T) {
	p := principalFor(RoleCaregiver, "zone-1", PermReportsRead)
	assert.True(t, p.ExplicitPermissions)
	assert.True(t, p.HasPermission(PermReportsRead))
	assert.False(t, p.HasPermission(PermVisitsWrite), "explicit list replaces the defaults")
}

func TestAuthorizeRoleAndPermissions(t *testing.T) {
	caregiver := principalFor(RoleCaregiver, "zone-1")
	coordinator := principalFor(RoleCoordinator, "zone-1")

	err := Authorize(caregiver, Requirement{Roles: []Role{RoleCoordinator, RoleAdmin}}, "")
	assert.ErrorIs(t, err, ErrInsufficientRole)

	err = Authorize(coordinator, Requirement{Roles: []Role{RoleCoordinator, RoleAdmin}}, "")
	assert.NoError(t, err)

	err = Authorize(coordinator, Requirement{Permissions: []string{PermUsersManage}}, "")
	assert.ErrorIs(t, err, ErrInsufficientPermissions)

	err = Authorize(coordinator, Requirement{Permissions: []string{PermVisitsManage, PermReportsRead}}, "")
	assert.NoError(t, err)
}

func TestAuthorizeZoneScope(t *testing.T) {
	coordinator := principalFor(RoleCoordinator, "Z")

	assert.ErrorIs(t, Authorize(coordinator, Requirement{}, "Z2"), ErrZoneAccessDenied)
	assert.NoError(t, Authorize(coordinator, Requirement{}, "Z"))
	assert.NoError(t, Authorize(coordinator, Requirement{}, ""), "requests without a target zone are not zone scoped")
}

func TestAuthorizeAdminNeverZoneDenied(t *testing.T) {
	admin := principalFor(RoleAdmin, "")
	for _, zone := range []string{"Z", "Z2", "anything", ""} {
		assert.NoError(t, Authorize(admin, Requirement{}, zone), zone)
	}
}

func TestAuthorizeChecksRoleBeforeZone(t *testing.T) {
	caregiver := principalFor(RoleCaregiver, "Z")
	err := Authorize(caregiver, Requirement{Roles: []Role{RoleAdmin}}, "Z2")
	assert.ErrorIs(t, err, ErrInsufficientRole)
}

func TestClaimsValidate(t *testing.T) {
	ok := Claims{Role: RoleCaregiver, ZoneID: "z", TokenType: TokenTypeAccess}
	ok.Subject = "s"
	assert.NoError(t, ok.Validate())

	noSubject := ok
	noSubject.Subject = ""
	assert.Error(t, noSubject.Validate())

	badType := ok
	badType.TokenType = "id"
	assert.Error(t, badType.Validate())
}

func TestErrorMatchingByCode(t *testing.T) {
	wrapped := ErrTokenExpired.Wrap(assert.AnError)
	assert.ErrorIs(t, wrapped, ErrTokenExpired)
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.NotErrorIs(t, wrapped, ErrInvalidToken)

	backend := Backend(assert.AnError)
	assert.ErrorIs(t, backend, ErrBackendUnavailable)
	assert.Same(t, ErrTokenRevoked, Backend(ErrTokenRevoked))
	assert.Nil(t, Backend(nil))
}
