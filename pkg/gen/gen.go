// Package gen provides utility functions for generating identifiers.
package gen

import (
	"strings"

	"github.com/google/uuid"
)

const sep = "|"

// Key joins parts with the key separator.
func Key(parts ...string) string {
	return strings.Join(parts, sep)
}

// UUIDv5 returns a name-based UUID for the key built from parts. Equal inputs give equal IDs.
func UUIDv5(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(Key(parts...))).String()
}

// NewID returns a random UUID for batches and requests.
func NewID() string {
	return uuid.NewString()
}
