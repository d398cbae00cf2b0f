// Package idgen generates type-prefixed command ids, e.g. "noop-<uuid>".
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// NewCommandID returns "<prefix>-<uuid>". The prefix is the lowercased
// command type so operators can read the queue at a glance.
func NewCommandID(cmdType string) string {
	prefix := strings.ToLower(strings.TrimSpace(cmdType))
	if prefix == "" {
		prefix = "cmd"
	}
	return prefix + "-" + uuid.NewString()
}
