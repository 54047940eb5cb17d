package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/fattyageboy/berthcare-sub003/internal/ids"
)

// RefreshToken is the persisted record of an issued refresh token. The raw
// token is never stored, only its hash.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	DeviceID  string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Live reports whether the record can still be exchanged.
func (t *RefreshToken) Live(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// RefreshTokenStore persists refresh token records. Revocations are idempotent.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	// Lookup returns ErrNotFound for unknown hashes.
	Lookup(ctx context.Context, tokenHash string) (*RefreshToken, error)
	Revoke(ctx context.Context, tokenHash string) error
	// RevokeIfLive revokes the record only if it is not already revoked and
	// reports whether this call won. Rotation uses it as its single claim.
	RevokeIfLive(ctx context.Context, tokenHash string) (bool, error)
	// RevokeAllForUser returns the number of records newly revoked.
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// HashToken returns the hex sha256 of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

var _ RefreshTokenStore = (*MemoryRefreshTokenStore)(nil)

// MemoryRefreshTokenStore keeps records in process memory.
type MemoryRefreshTokenStore struct {
	mu     sync.RWMutex
	byHash map[string]*RefreshToken
	now    func() time.Time
}

func NewMemoryRefreshTokenStore(now func() time.Time) *MemoryRefreshTokenStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryRefreshTokenStore{byHash: make(map[string]*RefreshToken), now: now}
}

func (s *MemoryRefreshTokenStore) Create(ctx context.Context, t *RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.TokenHash == "" || t.UserID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[t.TokenHash]; ok {
		return ErrAlreadyExists
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.byHash[t.TokenHash] = &cp
	return nil
}

func (s *MemoryRefreshTokenStore) Lookup(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byHash[tokenHash]; ok && t.RevokedAt == nil {
		s.markRevoked(t)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeIfLive(ctx context.Context, tokenHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byHash[tokenHash]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	s.markRevoked(t)
	return true, nil
}

func (s *MemoryRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.byHash {
		if t.UserID == userID && t.RevokedAt == nil {
			s.markRevoked(t)
			n++
		}
	}
	return n, nil
}

func (s *MemoryRefreshTokenStore) markRevoked(t *RefreshToken) {
	now := s.now().UTC()
	t.RevokedAt = &now
	t.UpdatedAt = now
}
