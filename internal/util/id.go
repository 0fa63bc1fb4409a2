package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DerivedID returns a stable ID for an artifact produced by a job, so that
// re-running the job overwrites instead of duplicating.
func DerivedID(prefix, sourceID string) string {
	return prefix + "_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(prefix+"/"+sourceID)).String()[:23]
}
