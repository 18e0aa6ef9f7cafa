package domain

import (
	"fmt"
	"regexp"
)

var runIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// RunID names one workflow execution end to end
type RunID string

// ParseRunID validates s as a run identifier.
// Run identifiers name on-disk directories, so path separators and dots are rejected.
func ParseRunID(s string) (RunID, error) {
	if !runIDRegex.MatchString(s) {
		return "", fmt.Errorf("invalid run ID %q (expected 1-64 letters, digits, '-' or '_')", s)
	}
	return RunID(s), nil
}

// String returns the identifier as given
func (r RunID) String() string {
	return string(r)
}
