// ABOUTME: Parsing and validation for the identifier wire format.
// ABOUTME: Both operations are total: malformed input yields nil/false, never an error.

package ident

import (
	"strconv"
	"strings"
	"time"
)

// Validity window for IsValid. Identifiers older than a year or more than an
// hour in the future are rejected as stale or clock-skewed.
const (
	maxIdentifierAge  = 365 * 24 * time.Hour
	maxIdentifierSkew = time.Hour
)

// Components holds the four parsed fields of an identifier.
type Components struct {
	Prefix      string
	TimestampMs int64
	Sequence    uint64
	Random      string
}

// Timestamp returns the identifier's timestamp as a time.Time.
func (c *Components) Timestamp() time.Time {
	return time.UnixMilli(c.TimestampMs)
}

// Parse splits an identifier back into its components. An identifier needs a
// non-empty prefix followed by at least three underscore-delimited trailing
// fields: a decimal timestamp, a decimal sequence, and 8 hex characters.
// Anything else is a foreign identifier and parses to nil; Parse never
// panics or returns an error.
func Parse(id string) *Components {
	parts := strings.Split(id, "_")
	if len(parts) < 4 {
		return nil
	}

	// The prefix may itself contain underscores (thread_login), so the three
	// structured fields are taken from the tail.
	tsPart := parts[len(parts)-3]
	seqPart := parts[len(parts)-2]
	randomPart := parts[len(parts)-1]
	prefix := strings.Join(parts[:len(parts)-3], "_")
	if prefix == "" {
		return nil
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ts < 0 {
		return nil
	}

	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return nil
	}

	if !isHex8(randomPart) {
		return nil
	}

	return &Components{
		Prefix:      prefix,
		TimestampMs: ts,
		Sequence:    seq,
		Random:      randomPart,
	}
}

// IsValid reports whether an identifier parses, carries a timestamp within
// the validity window, and (when expectedPrefix is non-empty) has a prefix
// starting with expectedPrefix.
func IsValid(id string, expectedPrefix string) bool {
	c := Parse(id)
	if c == nil {
		return false
	}

	now := time.Now()
	ts := c.Timestamp()
	if ts.Before(now.Add(-maxIdentifierAge)) || ts.After(now.Add(maxIdentifierSkew)) {
		return false
	}

	if expectedPrefix != "" && !strings.HasPrefix(c.Prefix, expectedPrefix) {
		return false
	}
	return true
}

// Correlated reports whether two identifiers refer to the same logical
// operation: both parse and their non-prefix fields match exactly.
func Correlated(a, b string) bool {
	ca, cb := Parse(a), Parse(b)
	if ca == nil || cb == nil {
		return false
	}
	return ca.TimestampMs == cb.TimestampMs &&
		ca.Sequence == cb.Sequence &&
		ca.Random == cb.Random
}

// isHex8 reports whether s is exactly 8 lowercase-or-uppercase hex characters.
func isHex8(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
