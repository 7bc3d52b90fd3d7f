// Package uuid provides identifier generation for locally-created records.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// LocalPrefix marks identifiers assigned on the device before the server
// has seen the record.
const LocalPrefix = "local-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewLocalID generates a stable client-side record identifier.
// It is also sent as the idempotency key on create requests.
func NewLocalID() string {
	return LocalPrefix + uuid.New().String()
}

// IsLocalID reports whether id was produced by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix) && IsValid(strings.TrimPrefix(id, LocalPrefix))
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is neither a UUID v4 nor a local id.
func Validate(s string) error {
	if !IsValid(s) && !IsLocalID(s) {
		return fmt.Errorf("invalid identifier format: %q", s)
	}
	return nil
}
