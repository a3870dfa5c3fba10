// Package ids provides identifier primitives for bus frames and sessions.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a 26-char ULID for now. Frame ids sort by creation time in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewEnvelopeID returns a frame id, falling back to a UUID if entropy fails.
func NewEnvelopeID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// NewSessionID returns an opaque id for a gateway connection or subscription.
func NewSessionID() string {
	return uuid.NewString()
}
