// Package uuid generates and checks the opaque identities used for records,
// attachments, conflicts and backups.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new random (v4) identity.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a canonical v4 UUID string.
func IsValid(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122 && len(s) == 36
}

// Validate returns an error if s is not a canonical v4 UUID string.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
