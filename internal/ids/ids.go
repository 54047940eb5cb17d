package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewTokenID returns a random identifier for the jti claim. Token ids must not be
// guessable, so they come from crypto/rand rather than the monotonic source.
func NewTokenID() string {
	return uuid.NewString()
}

// NewRequestID returns an identifier for correlating a single request across logs.
func NewRequestID() string {
	return uuid.NewString()
}
