// Package idgen generates opaque, URL-safe identifiers for rooms and users.
package idgen

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// New returns a fresh random identifier: 16 bytes of entropy from a v4 UUID,
// rendered as 22 URL-safe base64 characters with no padding.
func New() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Valid reports whether s has the shape New() produces. It does not
// reconstruct or verify the underlying UUID, only its encoding.
func Valid(s string) bool {
	if len(s) != 22 {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(b) == 16
}
