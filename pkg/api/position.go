package api

import (
	"regexp"
	"strconv"
)

var positionPattern = regexp.MustCompile(`\((\d+),(\d+)\)`)

// ParseDiagnosticPosition extracts the first "(line,column)" pair from a
// diagnostic string and converts it to 0-based editor coordinates, clamped
// to zero.
func ParseDiagnosticPosition(msg string) (line, col int, ok bool) {
	m := positionPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, 0, false
	}
	line, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	col, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return max(line-1, 0), max(col-1, 0), true
}
