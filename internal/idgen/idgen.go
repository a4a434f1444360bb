// Package idgen generates opaque document and request identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID,
// e.g. "txn_3f2a9c0e5b7d4e1f8a6b2c9d0e1f2a3b".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
