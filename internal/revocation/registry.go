// Package revocation keeps the access-token blacklist.
package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fattyageboy/berthcare-sub003/internal/kv"
	"github.com/fattyageboy/berthcare-sub003/internal/obs"
)

const (
	DefaultTTL = time.Hour
	keyPrefix  = "blacklist:"
)

// Registry records revoked access tokens under the sha256 of the token with a
// TTL, so an entry disappears once the token would have expired anyway.
type Registry struct {
	store      kv.Store
	defaultTTL time.Duration
	logger     *zap.Logger
}

// Option configures Registry.
type Option func(*Registry)

// WithDefaultTTL sets the lifetime used when the caller does not know one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(store kv.Store, opts ...Option) *Registry {
	r := &Registry{store: store, defaultTTL: DefaultTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("Revocation")
	return r
}

// Key returns the store key for token.
func Key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Blacklist records token as revoked. The token is not inspected; ttl <= 0
// selects the default.
func (r *Registry) Blacklist(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if err := r.store.Set(ctx, Key(token), "1", ttl); err != nil {
		return fmt.Errorf("revocation: blacklist: %w", err)
	}
	obs.BlacklistWrites.Inc()
	r.logger.Debug("token blacklisted", zap.Duration("ttl", ttl))
	return nil
}

// IsBlacklisted reads through to the store on every call.
func (r *Registry) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	_, ok, err := r.store.Get(ctx, Key(token))
	if err != nil {
		return false, fmt.Errorf("revocation: lookup: %w", err)
	}
	return ok, nil
}

// Remaining reports how long the entry for token still lives.
func (r *Registry) Remaining(ctx context.Context, token string) (time.Duration, bool, error) {
	return r.store.TTL(ctx, Key(token))
}
