package cache

import (
	"strings"
)

// KeyPrefix is the leading segment of every cache key.
const KeyPrefix = "archiver"

// Key identifies a cached response for one collection.
type Key struct {
	// Namespace separates kinds of cached data (e.g. "metadata").
	Namespace string

	// Collection is the collection contract address. Compared case-insensitively.
	Collection string
}

// String generates a deterministic cache key string.
// Format: archiver:<namespace>:<lower-cased collection>
//
// Example:
//
//	archiver:metadata:0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d
func (k Key) String() string {
	parts := []string{KeyPrefix}
	if ns := strings.Trim(k.Namespace, ":"); ns != "" {
		parts = append(parts, ns)
	}
	parts = append(parts, strings.ToLower(strings.TrimSpace(k.Collection)))
	return strings.Join(parts, ":")
}
