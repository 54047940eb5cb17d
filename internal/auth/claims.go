package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the principal claims carried inside a signed token.
type Claims struct {
	Role        Role      `json:"role"`
	ZoneID      string    `json:"zone_id,omitempty"`
	Email       string    `json:"email,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	TokenType   TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// Validate enforces the role and zone invariants. The jwt parser calls it after
// the registered claims have been checked.
func (c *Claims) Validate() error {
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("subject is required")
	}
	if !c.Role.Valid() {
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.Role.GlobalScope() && c.ZoneID != "" {
		return fmt.Errorf("role %s must not carry a zone", c.Role)
	}
	if !c.Role.GlobalScope() && strings.TrimSpace(c.ZoneID) == "" {
		return fmt.Errorf("role %s requires a zone", c.Role)
	}
	switch c.TokenType {
	case TokenTypeAccess, TokenTypeRefresh:
	default:
		return fmt.Errorf("unknown token type %q", c.TokenType)
	}
	return nil
}

// UserID returns the subject.
func (c *Claims) UserID() string { return c.Subject }

// ClaimsFor builds the claims describing an account.
func ClaimsFor(a *Account, deviceID string) Claims {
	c := Claims{
		Role:     a.Role,
		ZoneID:   a.ZoneID,
		Email:    a.Email,
		DeviceID: deviceID,
	}
	if a.Role.GlobalScope() {
		c.ZoneID = ""
	}
	c.Subject = a.ID
	return c
}
