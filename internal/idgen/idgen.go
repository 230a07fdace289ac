// Package idgen generates external-facing entity identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns a typed identifier such as "req_1f6c…": the prefix
// names the entity kind, the rest is a UUIDv4 with the dashes stripped so
// the id stays a single selectable token in logs.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
