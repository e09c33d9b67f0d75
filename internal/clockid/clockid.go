// Package clockid provides the service clock and id generation used by
// every subsystem. Ids are opaque strings; callers must not parse them.
package clockid

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time. Stores and engines take a Clock so
// tests can pin evaluation instants.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC time. The monotonic reading is retained so
// durations computed from two Now() calls never go backwards.
func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the wall-clock backed Clock.
func System() Clock { return systemClock{} }

// Fixed returns a Clock pinned to t. Intended for tests.
func Fixed(t time.Time) Clock { return fixedClock{t: t.UTC()} }

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

// NewID returns a new opaque row id.
func NewID() string { return uuid.NewString() }

// NewHexID returns a 32-char lowercase hex id. Used for event, delivery,
// and attempt ids that travel over the wire in headers and payloads.
func NewHexID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is unusable anyway;
		// fall back to a uuid-derived value rather than panicking.
		return hex.EncodeToString([]byte(uuid.NewString()))[:32]
	}
	return hex.EncodeToString(b[:])
}
