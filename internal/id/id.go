// Package id provides identifier generation for stored objects, identities
// and requests.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Object returns a fresh random object id.
// Ids are random (version 4) UUIDs, so concurrent callers never contend and
// collisions are not something correctness relies on.
func Object() string {
	return uuid.NewString()
}

// Account returns a fresh random account id for locally minted identities.
func Account() string {
	return uuid.NewString()
}

// Request returns a short correlation id for log lines.
// Format: req-<first 12 hex chars of a random UUID>
// Example: req-1f0c2a9be4d7
func Request() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "req-" + raw[:12]
}
