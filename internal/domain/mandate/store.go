package mandate

import (
	"context"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Store persists issued mandates. Interface owned by the domain per
// hexagonal architecture; adapters provide sqlite and in-memory backends.
type Store interface {
	// Insert persists a freshly issued mandate. Mandates are immutable:
	// there is no update operation.
	Insert(ctx context.Context, m *Mandate) error

	// FindOne returns the mandate iff it exists and has not expired at now.
	// Expired mandates return ErrNotFound.
	FindOne(ctx context.Context, id string, now time.Time) (*Mandate, error)

	// FindByAgentAndContext returns the most recent non-expired mandate for
	// the agent whose stored context is key-set and value equal to the given
	// context. Returns ErrNotFound when no such mandate exists.
	FindByAgentAndContext(ctx context.Context, agentID string, reqCtx map[string]string, now time.Time) (*Mandate, error)
}

// ContextFingerprint returns a stable hash of a context map, used to index
// mandates for the issuance read-through cache. Keys are sorted so the
// fingerprint is order-independent.
func ContextFingerprint(reqCtx map[string]string) uint64 {
	keys := make([]string, 0, len(reqCtx))
	for k := range reqCtx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(reqCtx[k])
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
