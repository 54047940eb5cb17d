package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fattyageboy/berthcare-sub003/internal/auth"
	"github.com/fattyageboy/berthcare-sub003/internal/ids"
)

var _ auth.UserDirectory = (*Users)(nil)

// Users reads and writes accounts in the users table.
type Users struct {
	db  *sql.DB
	now func() time.Time
}

// AccountUpdate carries the mutable account fields; nil fields are left alone.
type AccountUpdate struct {
	PasswordHash *string
	Role         *auth.Role
	ZoneID       *string
	Active       *bool
}

const selectAccount = `select id, email, password_hash, role, zone_id, active, first_name, last_name, created_at, updated_at from users`

func (u *Users) FindByID(ctx context.Context, id string) (*auth.Account, error) {
	return scanAccount(u.db.QueryRowContext(ctx, selectAccount+` where id=$1`, id))
}

func (u *Users) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return scanAccount(u.db.QueryRowContext(ctx, selectAccount+` where email=$1`, auth.NormalizeEmail(email)))
}

func (u *Users) Create(ctx context.Context, a *auth.Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.Email = auth.NormalizeEmail(a.Email)
	now := u.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := u.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, role, zone_id, active, first_name, last_name, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.Email, a.PasswordHash, string(a.Role), nullIfEmpty(a.ZoneID), a.Active, a.FirstName, a.LastName, now, now,
	)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Update applies upd and returns the stored account. Role or zone changes
// show up in the next token issued for the account.
func (u *Users) Update(ctx context.Context, id string, upd AccountUpdate) (*auth.Account, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.PasswordHash != nil {
		sets = append(sets, fmt.Sprintf("password_hash = $%d", idx))
		args = append(args, *upd.PasswordHash)
		idx++
	}
	if upd.Role != nil {
		sets = append(sets, fmt.Sprintf("role = $%d", idx))
		args = append(args, string(*upd.Role))
		idx++
	}
	if upd.ZoneID != nil {
		sets = append(sets, fmt.Sprintf("zone_id = $%d", idx))
		args = append(args, nullIfEmpty(*upd.ZoneID))
		idx++
	}
	if upd.Active != nil {
		sets = append(sets, fmt.Sprintf("active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, fmt.Sprintf("updated_at = $%d", idx))
		args = append(args, u.now().UTC())
		idx++
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := u.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
				return nil, auth.Validation("role and zone combination is not allowed")
			}
			return nil, fmt.Errorf("update user: %w", err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if aff == 0 {
			return nil, auth.ErrNotFound
		}
	}
	return u.FindByID(ctx, id)
}

// Delete removes the account; its refresh tokens go with it.
func (u *Users) Delete(ctx context.Context, id string) error {
	res, err := u.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanAccount(row *sql.Row) (*auth.Account, error) {
	var (
		a    auth.Account
		role string
		zone sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &role, &zone, &a.Active, &a.FirstName, &a.LastName, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	a.Role = auth.Role(role)
	a.ZoneID = zone.String
	return &a, nil
}
