package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fattyageboy/berthcare-sub003/internal/auth"
	"github.com/fattyageboy/berthcare-sub003/internal/ids"
)

var _ auth.RefreshTokenStore = (*RefreshTokens)(nil)

// RefreshTokens persists refresh token hashes in the refresh_tokens table.
type RefreshTokens struct {
	db  *sql.DB
	now func() time.Time
}

func (s *RefreshTokens) Create(ctx context.Context, t *auth.RefreshToken) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, device_id, expires_at, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.UserID, t.TokenHash, t.DeviceID, t.ExpiresAt.UTC(), now, now,
	)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrAlreadyExists
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *RefreshTokens) Lookup(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, device_id, expires_at, revoked_at, created_at, updated_at
		 from refresh_tokens where token_hash=$1`, tokenHash)
	var (
		t       auth.RefreshToken
		revoked sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.DeviceID, &t.ExpiresAt, &revoked, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	if revoked.Valid {
		at := revoked.Time
		t.RevokedAt = &at
	}
	return &t, nil
}

func (s *RefreshTokens) Revoke(ctx context.Context, tokenHash string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2, updated_at=$2 where token_hash=$1 and revoked_at is null`,
		tokenHash, now)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *RefreshTokens) RevokeIfLive(ctx context.Context, tokenHash string) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2, updated_at=$2 where token_hash=$1 and revoked_at is null`,
		tokenHash, now)
	if err != nil {
		return false, fmt.Errorf("claim refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim refresh token: %w", err)
	}
	return n == 1, nil
}

func (s *RefreshTokens) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2, updated_at=$2 where user_id=$1 and revoked_at is null`,
		userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return res.RowsAffected()
}
