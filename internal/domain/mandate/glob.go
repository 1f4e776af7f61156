package mandate

import (
	"fmt"
	"strings"
)

// maxPatternLength caps tool glob patterns.
const maxPatternLength = 100

// ValidatePattern checks a tool glob pattern against the bounded contract:
// at most 100 characters, alphabet [A-Za-z0-9*_.-], with * as the only
// metacharacter. The bounded alphabet rules out regex catastrophic
// backtracking by construction.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("%w: pattern exceeds %d characters", ErrInvalidPattern, maxPatternLength)
	}
	for _, c := range pattern {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '*', c == '_', c == '.', c == '-':
		default:
			return fmt.Errorf("%w: pattern %q contains invalid character %q", ErrInvalidPattern, pattern, c)
		}
	}
	return nil
}

// MatchPattern reports whether name matches a validated glob pattern.
// A lone "*" matches everything. Otherwise the pattern is split on "*" and
// matched as anchored prefix, ordered interior segments, and anchored suffix.
// Callers must validate patterns first; an invalid pattern matches nothing.
func MatchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}

	parts := strings.Split(pattern, "*")

	// Anchored prefix.
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		name = name[len(parts[0]):]
	}

	// Anchored suffix.
	last := parts[len(parts)-1]
	if last != "" {
		if !strings.HasSuffix(name, last) {
			return false
		}
		name = name[:len(name)-len(last)]
	}

	// Interior segments must appear in order.
	for _, seg := range parts[1 : len(parts)-1] {
		if seg == "" {
			continue
		}
		i := strings.Index(name, seg)
		if i < 0 {
			return false
		}
		name = name[i+len(seg):]
	}
	return true
}

// MatchAny reports whether name matches any pattern in the list.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return true
		}
	}
	return false
}
