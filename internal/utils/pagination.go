// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrBadCursor is returned for a cursor that is not an RFC3339 timestamp.
var ErrBadCursor = errors.New("cursor must be an RFC3339 timestamp")

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampLimit parses a page size: unparsable or non-positive values yield
// def, values above max yield max.
func ClampLimit(s string, def, max int) int {
	n := AtoiDefault(s, def)
	if n <= 0 {
		n = def
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}

// ParseCursor parses a keyset cursor. An empty string means "no cursor".
// Fractional seconds are accepted.
func ParseCursor(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, ErrBadCursor
	}
	t = t.UTC()
	return &t, nil
}
