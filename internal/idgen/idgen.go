// Package idgen generates identifiers for alerts and events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless random UUID
// (e.g. "fa_3f2b..." for fraud alerts).
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
