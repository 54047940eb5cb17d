package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fattyageboy/berthcare-sub003/internal/ids"
	"github.com/fattyageboy/berthcare-sub003/internal/obs"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// TokenService signs and verifies RS256 bearer tokens. It holds at most one
// signing key and any number of verification keys, selected by the kid header.
type TokenService struct {
	signer    *rsa.PrivateKey
	signerKID string
	keys      map[string]*rsa.PublicKey

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService) error

// WithSigningKey sets the active private key. Its public half is added to the
// verification ring under the same kid.
func WithSigningKey(kid string, key *rsa.PrivateKey) TokenOption {
	return func(s *TokenService) error {
		if key == nil {
			return errors.New("auth: signing key is nil")
		}
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return errors.New("auth: signing key id is required")
		}
		s.signer = key
		s.signerKID = kid
		s.keys[kid] = &key.PublicKey
		return nil
	}
}

// WithSigningKeyPEM is WithSigningKey for a PKCS#1 or PKCS#8 PEM block.
// An empty PEM is ignored so verifier-only deployments can pass it through.
func WithSigningKeyPEM(kid, privatePEM string) TokenOption {
	return func(s *TokenService) error {
		if strings.TrimSpace(privatePEM) == "" {
			return nil
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		return WithSigningKey(kid, key)(s)
	}
}

// WithVerificationKey adds a public key accepted for verification only.
func WithVerificationKey(kid string, key *rsa.PublicKey) TokenOption {
	return func(s *TokenService) error {
		if key == nil {
			return errors.New("auth: verification key is nil")
		}
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return errors.New("auth: verification key id is required")
		}
		if _, ok := s.keys[kid]; !ok {
			s.keys[kid] = key
		}
		return nil
	}
}

// WithVerificationKeyPEM is WithVerificationKey for a PEM block. Empty input is ignored.
func WithVerificationKeyPEM(kid, publicPEM string) TokenOption {
	return func(s *TokenService) error {
		if strings.TrimSpace(publicPEM) == "" {
			return nil
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key %s: %w", kid, err)
		}
		return WithVerificationKey(kid, key)(s)
	}
}

// WithIssuer sets the iss claim. When set, tokens from other issuers are rejected.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. At least one key is required.
func NewTokenService(opts ...TokenOption) (*TokenService, error) {
	s := &TokenService{
		keys:       make(map[string]*rsa.PublicKey),
		now:        time.Now,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if len(s.keys) == 0 {
		return nil, errors.New("auth: no signing or verification keys configured")
	}
	return s, nil
}

// CanIssue reports whether a signing key is configured.
func (s *TokenService) CanIssue() bool { return s.signer != nil }

func (s *TokenService) Now() time.Time { return s.now() }

func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken signs an access token for claims.
func (s *TokenService) IssueAccessToken(c Claims) (string, time.Time, error) {
	c.TokenType = TokenTypeAccess
	return s.issue(c, s.accessTTL)
}

// IssueRefreshToken signs a refresh token. Only subject, role, zone and device
// are carried.
func (s *TokenService) IssueRefreshToken(c Claims) (string, time.Time, error) {
	rc := Claims{
		Role:      c.Role,
		ZoneID:    c.ZoneID,
		DeviceID:  c.DeviceID,
		TokenType: TokenTypeRefresh,
	}
	rc.Subject = c.Subject
	return s.issue(rc, s.refreshTTL)
}

func (s *TokenService) issue(c Claims, ttl time.Duration) (string, time.Time, error) {
	if s.signer == nil {
		return "", time.Time{}, ErrNotConfigured
	}
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(exp)
	c.ID = ids.NewTokenID()
	c.Issuer = s.issuer
	if len(c.Permissions) > 0 {
		c.Permissions = normalizePermissions(c.Permissions)
	}
	if err := c.Validate(); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &c)
	token.Header["kid"] = s.signerKID
	signed, err := token.SignedString(s.signer)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, structure and expiry of a token of either type.
// It fails with ErrTokenExpired only when the signature is valid.
func (s *TokenService) Verify(token string) (*Claims, error) {
	return s.verify(token, "")
}

// VerifyAccess is Verify restricted to access tokens.
func (s *TokenService) VerifyAccess(token string) (*Claims, error) {
	return s.verify(token, TokenTypeAccess)
}

// VerifyRefresh is Verify restricted to refresh tokens.
func (s *TokenService) VerifyRefresh(token string) (*Claims, error) {
	return s.verify(token, TokenTypeRefresh)
}

func (s *TokenService) verify(token string, want TokenType) (*Claims, error) {
	label := string(want)
	if label == "" {
		label = "any"
	}
	claims, err := s.parse(token, want)
	result := "ok"
	if ae, ok := AsError(err); ok {
		result = ae.Code
	}
	obs.TokenVerifications.WithLabelValues(label, result).Inc()
	return claims, err
}

func (s *TokenService) parse(token string, want TokenType) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, s.keyFunc, opts...)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired.Wrap(err)
	default:
		return nil, ErrInvalidToken.Wrap(err)
	}
	if want != "" && claims.TokenType != want {
		return nil, ErrInvalidToken.Wrap(fmt.Errorf("expected %s token, got %q", want, claims.TokenType))
	}
	return &claims, nil
}

func (s *TokenService) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		if len(s.keys) == 1 {
			for _, k := range s.keys {
				return k, nil
			}
		}
		return nil, errors.New("token has no kid")
	}
	key, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

// Decode returns the claims without verifying the signature. The result must
// only be used for logging or TTL estimation.
func (s *TokenService) Decode(token string) (*Claims, bool) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return nil, false
	}
	return &claims, true
}

// RemainingLifetime estimates how long token stays valid, from its unverified exp.
func (s *TokenService) RemainingLifetime(token string) (time.Duration, bool) {
	c, ok := s.Decode(token)
	if !ok || c.ExpiresAt == nil {
		return 0, false
	}
	return c.ExpiresAt.Time.Sub(s.now()), true
}

// JWK is an RSA public key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is the document served at /.well-known/jwks.json.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS publishes the verification key ring, signing key first.
func (s *TokenService) JWKS() JWKSet {
	kids := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		kids = append(kids, kid)
	}
	sort.Slice(kids, func(i, j int) bool {
		if kids[i] == s.signerKID || kids[j] == s.signerKID {
			return kids[i] == s.signerKID
		}
		return kids[i] < kids[j]
	})
	set := JWKSet{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		pub := s.keys[kid]
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: jwt.SigningMethodRS256.Alg(),
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return set
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
