package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fattyageboy/berthcare-sub003/internal/ids"
)

// Account is the user-account view the auth core depends on.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	ZoneID       string
	Active       bool
	FirstName    string
	LastName     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserDirectory resolves the current state of accounts. Lookups return
// ErrNotFound for unknown accounts; Create returns ErrAlreadyExists when the
// email is taken.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	Create(ctx context.Context, a *Account) error
}

// NormalizeEmail lower-cases and trims an address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var _ UserDirectory = (*MemoryDirectory)(nil)

// MemoryDirectory is an in-process UserDirectory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byEmail map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
	}
}

func (d *MemoryDirectory) FindByID(ctx context.Context, id string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (d *MemoryDirectory) FindByEmail(ctx context.Context, email string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	id, ok := d.byEmail[NormalizeEmail(email)]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return d.FindByID(ctx, id)
}

func (d *MemoryDirectory) Create(ctx context.Context, a *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	email := NormalizeEmail(a.Email)
	if email == "" {
		return ErrInvalidInput
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	a.Email = email
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	d.byID[a.ID] = &cp
	d.byEmail[email] = a.ID
	return nil
}

// Update replaces a stored account, e.g. after a role change or deactivation.
func (d *MemoryDirectory) Update(ctx context.Context, a *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.byID[a.ID]
	if !ok {
		return ErrNotFound
	}
	delete(d.byEmail, old.Email)
	cp := *a
	cp.Email = NormalizeEmail(a.Email)
	cp.UpdatedAt = time.Now().UTC()
	d.byID[a.ID] = &cp
	d.byEmail[cp.Email] = a.ID
	return nil
}

// Delete removes an account.
func (d *MemoryDirectory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(d.byEmail, a.Email)
	delete(d.byID, id)
	return nil
}
