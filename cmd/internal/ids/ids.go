// Package ids provides ID primitives shared by the chat packages.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// Message ids use ULIDs so they sort by send time.
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

// NewUUID returns a random (v4) UUID string.
func NewUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NewRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
// An empty string means the system RNG failed.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
