package api

import (
	"strings"

	"github.com/google/uuid"
)

const runIDPrefix = "run_"

// NewRunID returns "run_" followed by a random UUID in compact hex form.
func NewRunID() string {
	id := uuid.New()
	return runIDPrefix + strings.ReplaceAll(id.String(), "-", "")
}

// ValidateRunID reports whether id has the shape NewRunID produces.
func ValidateRunID(id string) bool {
	hex, ok := strings.CutPrefix(id, runIDPrefix)
	if !ok || len(hex) != 32 {
		return false
	}
	for _, c := range hex {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
