package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultStoreTimeout = 2 * time.Second
	minPasswordLength   = 8
)

// Revoker is the access-token blacklist consulted on every authenticated request.
type Revoker interface {
	// Blacklist records token as revoked for ttl; ttl <= 0 selects the default.
	Blacklist(ctx context.Context, token string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, token string) (bool, error)
}

// Service orchestrates credential flows over the token service, the refresh
// token store, the blacklist and the user directory.
type Service struct {
	tokens  *TokenService
	refresh RefreshTokenStore
	users   UserDirectory
	revoked Revoker

	logger       *zap.Logger
	rotate       bool
	storeTimeout time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRefreshRotation makes Refresh revoke the presented refresh token and
// return a replacement.
func WithRefreshRotation(on bool) ServiceOption {
	return func(s *Service) { s.rotate = on }
}

// WithStoreTimeout bounds every store and blacklist call.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// NewService constructs Service with optional configuration.
func NewService(tokens *TokenService, refresh RefreshTokenStore, users UserDirectory, revoked Revoker, opts ...ServiceOption) *Service {
	s := &Service{
		tokens:       tokens,
		refresh:      refresh,
		users:        users,
		revoked:      revoked,
		logger:       zap.NewNop(),
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("AuthService")
	return s
}

// Tokens exposes the underlying token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// TokenPair represents access and refresh tokens along with their expirations.
// RefreshToken is empty when a refresh did not rotate.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// Login verifies credentials and issues a token pair. Every credential failure
// is reported as ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password, deviceID string) (TokenPair, *Account, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	sctx, cancel := s.storeCtx(ctx)
	acct, err := s.users.FindByEmail(sctx, email)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		_ = VerifyPassword("", password)
		return TokenPair{}, nil, ErrInvalidCredentials
	case err != nil:
		s.logger.Error("user lookup failed", zap.Error(err))
		return TokenPair{}, nil, Backend(err)
	}
	if err := VerifyPassword(acct.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if !acct.Active {
		s.logger.Info("login rejected for disabled account", zap.String("user_id", acct.ID))
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	pair, err := s.IssueTokenPair(ctx, acct, deviceID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, acct, nil
}

// RegisterInput carries a self-registration request.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	ZoneID    string
	DeviceID  string
}

// Register creates a caregiver account and issues its first token pair.
func (s *Service) Register(ctx context.Context, in RegisterInput) (TokenPair, *Account, error) {
	email := NormalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return TokenPair{}, nil, Validation("email is invalid")
	}
	if len(in.Password) < minPasswordLength {
		return TokenPair{}, nil, Validation("password must be at least 8 characters")
	}
	zone := strings.TrimSpace(in.ZoneID)
	if zone == "" {
		return TokenPair{}, nil, Validation("zone_id is required")
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return TokenPair{}, nil, err
	}
	acct := &Account{
		Email:        email,
		PasswordHash: hash,
		Role:         RoleCaregiver,
		ZoneID:       zone,
		Active:       true,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
	}

	sctx, cancel := s.storeCtx(ctx)
	err = s.users.Create(sctx, acct)
	cancel()
	switch {
	case errors.Is(err, ErrAlreadyExists):
		return TokenPair{}, nil, ErrEmailTaken
	case err != nil:
		s.logger.Error("create user failed", zap.Error(err))
		return TokenPair{}, nil, Backend(err)
	}

	pair, err := s.IssueTokenPair(ctx, acct, in.DeviceID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, acct, nil
}

// IssueTokenPair mints an access and a refresh token for acct and stores the
// refresh token hash.
func (s *Service) IssueTokenPair(ctx context.Context, acct *Account, deviceID string) (TokenPair, error) {
	claims := ClaimsFor(acct, strings.TrimSpace(deviceID))
	access, accessExp, err := s.tokens.IssueAccessToken(claims)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.issueRefresh(ctx, claims)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) issueRefresh(ctx context.Context, claims Claims) (string, time.Time, error) {
	raw, exp, err := s.tokens.IssueRefreshToken(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err = s.refresh.Create(sctx, &RefreshToken{
		UserID:    claims.Subject,
		TokenHash: HashToken(raw),
		DeviceID:  claims.DeviceID,
		ExpiresAt: exp,
	})
	if err != nil {
		s.logger.Error("store refresh token failed", zap.String("user_id", claims.Subject), zap.Error(err))
		return "", time.Time{}, Backend(err)
	}
	return raw, exp, nil
}

// Refresh exchanges a refresh token for a new access token carrying the
// account's current role, zone and email.
func (s *Service) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(raw)
	if err != nil {
		return TokenPair{}, err
	}
	hash := HashToken(raw)

	sctx, cancel := s.storeCtx(ctx)
	rec, err := s.refresh.Lookup(sctx, hash)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		return TokenPair{}, ErrInvalidToken
	case err != nil:
		s.logger.Error("refresh token lookup failed", zap.Error(err))
		return TokenPair{}, Backend(err)
	}
	if rec.UserID != claims.Subject {
		return TokenPair{}, ErrInvalidToken
	}
	if rec.RevokedAt != nil {
		s.logger.Warn("revoked refresh token presented", zap.String("user_id", rec.UserID))
		return TokenPair{}, ErrTokenRevoked
	}
	if !s.tokens.Now().Before(rec.ExpiresAt) {
		return TokenPair{}, ErrTokenExpired
	}

	sctx, cancel = s.storeCtx(ctx)
	acct, err := s.users.FindByID(sctx, rec.UserID)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		return TokenPair{}, ErrUserNotFound
	case err != nil:
		s.logger.Error("user lookup failed", zap.Error(err))
		return TokenPair{}, Backend(err)
	}
	if !acct.Active {
		return TokenPair{}, ErrAccountDisabled
	}

	current := ClaimsFor(acct, rec.DeviceID)
	if current.Role != claims.Role || current.ZoneID != claims.ZoneID {
		s.logger.Info("refresh picked up changed role or zone",
			zap.String("user_id", acct.ID),
			zap.String("role", string(current.Role)),
			zap.String("zone_id", current.ZoneID),
		)
	}
	access, accessExp, err := s.tokens.IssueAccessToken(current)
	if err != nil {
		return TokenPair{}, err
	}
	pair := TokenPair{AccessToken: access, AccessExpiresAt: accessExp}
	if !s.rotate {
		return pair, nil
	}

	sctx, cancel = s.storeCtx(ctx)
	won, err := s.refresh.RevokeIfLive(sctx, hash)
	cancel()
	if err != nil {
		s.logger.Error("refresh token claim failed", zap.Error(err))
		return TokenPair{}, Backend(err)
	}
	if !won {
		s.logger.Warn("refresh token already rotated", zap.String("user_id", rec.UserID))
		return TokenPair{}, ErrTokenRevoked
	}
	pair.RefreshToken, pair.RefreshExpiresAt, err = s.issueRefresh(ctx, current)
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Logout blacklists the presented access token whatever its shape and revokes
// the refresh token when one is supplied. Only infrastructure failures are
// reported.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken != "" {
		if err := s.blacklist(ctx, accessToken); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		sctx, cancel := s.storeCtx(ctx)
		err := s.refresh.Revoke(sctx, HashToken(refreshToken))
		cancel()
		if err != nil {
			s.logger.Error("revoke refresh token failed", zap.Error(err))
			return Backend(err)
		}
	}
	return nil
}

// LogoutAll revokes every refresh token of userID and blacklists the access
// token used for the call.
func (s *Service) LogoutAll(ctx context.Context, userID, accessToken string) (int64, error) {
	n, err := s.RevokeUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	if accessToken != "" {
		if err := s.blacklist(ctx, accessToken); err != nil {
			return n, err
		}
	}
	return n, nil
}

// RevokeUserSessions revokes every refresh token of userID.
func (s *Service) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, Validation("user id is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.refresh.RevokeAllForUser(sctx, userID)
	if err != nil {
		s.logger.Error("revoke user sessions failed", zap.String("user_id", userID), zap.Error(err))
		return 0, Backend(err)
	}
	return n, nil
}

// blacklist uses the token's remaining lifetime as TTL so the entry never
// outlives it. Unparseable tokens get the registry default.
func (s *Service) blacklist(ctx context.Context, token string) error {
	var ttl time.Duration
	if left, ok := s.tokens.RemainingLifetime(token); ok {
		ttl = max(left, time.Second)
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.revoked.Blacklist(sctx, token, ttl); err != nil {
		s.logger.Error("blacklist write failed", zap.Error(err))
		return Backend(err)
	}
	return nil
}

// Authenticate verifies an access token, checks the blacklist and resolves
// the principal. Blacklist failures reject the request.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.VerifyAccess(token)
	if err != nil {
		return Principal{}, err
	}

	sctx, cancel := s.storeCtx(ctx)
	revoked, err := s.revoked.IsBlacklisted(sctx, token)
	cancel()
	if err != nil {
		s.logger.Error("blacklist check failed", zap.Error(err))
		return Principal{}, Backend(err)
	}
	if revoked {
		return Principal{}, ErrTokenRevoked
	}

	p := NewPrincipal(claims)
	if p.ExplicitPermissions {
		s.logger.Debug("token carries explicit permissions",
			zap.String("user_id", p.UserID),
			zap.Strings("permissions", p.PermissionList()),
		)
	}
	return p, nil
}

// Account returns the current directory record for id.
func (s *Service) Account(ctx context.Context, id string) (*Account, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	acct, err := s.users.FindByID(sctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, Backend(err)
	}
	return acct, nil
}
