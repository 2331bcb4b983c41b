// Package designation handles dotted hierarchical numbers such as "1.2.3".
package designation

import (
	"errors"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("designation must be dot-separated positive integers")

// Parse splits d into its numeric segments. Segments must be written canonically:
// "02" and "+2" are rejected so that two spellings never name the same node.
func Parse(d string) ([]int, error) {
	d = strings.TrimSpace(d)
	if d == "" {
		return nil, ErrMalformed
	}
	parts := strings.Split(d, ".")
	segs := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || strconv.Itoa(n) != p {
			return nil, ErrMalformed
		}
		segs = append(segs, n)
	}
	return segs, nil
}

// Valid reports whether d parses.
func Valid(d string) bool {
	_, err := Parse(d)
	return err == nil
}

// Depth returns the number of segments of d, 0 when malformed.
func Depth(d string) int {
	segs, err := Parse(d)
	if err != nil {
		return 0
	}
	return len(segs)
}

// Format joins segments with dots.
func Format(segs ...int) string {
	var b strings.Builder
	for i, s := range segs {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(s))
	}
	return b.String()
}

// Child returns parent.n.
func Child(parent string, n int) string {
	return parent + "." + strconv.Itoa(n)
}

// Prefix returns the first n segments of d. ok is false when d has fewer segments.
func Prefix(d string, n int) (string, bool) {
	segs, err := Parse(d)
	if err != nil || len(segs) < n {
		return "", false
	}
	return Format(segs[:n]...), true
}

// Last returns the last segment of d.
func Last(d string) (int, bool) {
	segs, err := Parse(d)
	if err != nil {
		return 0, false
	}
	return segs[len(segs)-1], true
}

// Rebase replaces the from prefix of d with to. "1.1.2.3" rebased from "1.1"
// to "1.2" is "1.2.2.3". ok is false when d does not live under from.
func Rebase(d, from, to string) (string, bool) {
	if from == "" || to == "" {
		return "", false
	}
	if !strings.HasPrefix(d, from+".") {
		return "", false
	}
	return to + d[len(from):], true
}

// Normalize trims and returns nil for empty input, so optional designations can be
// passed straight from request bodies.
func Normalize(d *string) *string {
	if d == nil {
		return nil
	}
	s := strings.TrimSpace(*d)
	if s == "" {
		return nil
	}
	return &s
}
