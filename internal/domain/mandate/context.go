package mandate

import (
	"fmt"
	"regexp"
	"strings"
)

// maxContextValueLength caps each context value.
const maxContextValueLength = 1000

// contextKeyPattern is the allowed shape for context keys.
var contextKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// forbiddenValueChars are rejected inside context values. Context values flow
// into string comparisons and audit logs; refusing these shapes at the edge
// keeps rule evaluation a pure string compare.
const forbiddenValueChars = "<>'\";\\"

// SanitizeContext validates an issuance context. Keys must match
// [A-Za-z0-9_-]+, values must be at most 1000 characters and free of
// markup/quoting characters. The map is returned unchanged on success;
// any violation fails the issuance with ErrInvalidContext.
func SanitizeContext(ctx map[string]string) (map[string]string, error) {
	for k, v := range ctx {
		if !contextKeyPattern.MatchString(k) {
			return nil, fmt.Errorf("%w: key %q contains invalid characters", ErrInvalidContext, k)
		}
		if len(v) > maxContextValueLength {
			return nil, fmt.Errorf("%w: value for %q exceeds %d characters", ErrInvalidContext, k, maxContextValueLength)
		}
		if i := strings.IndexAny(v, forbiddenValueChars); i >= 0 {
			return nil, fmt.Errorf("%w: value for %q contains forbidden character %q", ErrInvalidContext, k, v[i])
		}
	}
	return ctx, nil
}

// ContextEqual reports whether two contexts are key-set equal with equal
// values. Used by the issuance read-through cache.
func ContextEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
