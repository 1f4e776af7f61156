package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/policy"
)

// PolicyStore implements policy.Store with in-memory version chains. The
// store mutex stands in for the row lock the SQL store takes on the latest
// version.
type PolicyStore struct {
	mu       sync.RWMutex
	versions map[string][]*policy.Policy // policyID -> versions ascending
	now      func() time.Time
}

// NewPolicyStore creates an empty in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		versions: make(map[string][]*policy.Policy),
		now:      time.Now,
	}
}

func clonePolicy(p *policy.Policy) *policy.Policy {
	cp := *p
	cp.Authority = cloneAuthorityJSON(p.Authority)
	return &cp
}

// cloneAuthorityJSON round-trips through compose's deep-copy semantics by
// composing the single authority with itself removed. Compose of one element
// deep-copies; errors cannot occur for already-validated stored content.
func cloneAuthorityJSON(a mandate.Authority) mandate.Authority {
	out, err := mandate.Compose([]mandate.Authority{a})
	if err != nil {
		return a
	}
	return out
}

func (s *PolicyStore) Insert(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.versions[p.PolicyID]) > 0 {
		return policy.ErrConflict
	}
	cp := clonePolicy(p)
	cp.Version = 1
	cp.Active = true
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.versions[p.PolicyID] = []*policy.Policy{cp}
	*p = *clonePolicy(cp)
	return nil
}

func (s *PolicyStore) InsertNewVersion(ctx context.Context, policyID, name, description string, authority mandate.Authority) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.versions[policyID]
	if len(chain) == 0 {
		return nil, policy.ErrNotFound
	}
	latest := chain[len(chain)-1]
	latest.Active = false
	next := &policy.Policy{
		PolicyID:    policyID,
		Version:     latest.Version + 1,
		Name:        name,
		Description: description,
		Authority:   cloneAuthorityJSON(authority),
		Active:      true,
		CreatedAt:   s.now(),
	}
	s.versions[policyID] = append(chain, next)
	return clonePolicy(next), nil
}

func (s *PolicyStore) GetLatestActive(ctx context.Context, policyID string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[policyID]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Active {
			return clonePolicy(chain[i]), nil
		}
	}
	return nil, policy.ErrNotFound
}

func (s *PolicyStore) GetVersion(ctx context.Context, policyID string, version int) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.versions[policyID] {
		if p.Version == version {
			return clonePolicy(p), nil
		}
	}
	return nil, policy.ErrNotFound
}

func (s *PolicyStore) List(ctx context.Context, activeOnly bool) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]policy.Policy, 0, len(s.versions))
	for _, chain := range s.versions {
		latest := chain[len(chain)-1]
		if activeOnly && !latest.Active {
			continue
		}
		out = append(out, *clonePolicy(latest))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out, nil
}

func (s *PolicyStore) Deactivate(ctx context.Context, policyID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.versions[policyID]
	if len(chain) == 0 {
		return policy.ErrNotFound
	}
	if version > 0 {
		for _, p := range chain {
			if p.Version == version {
				p.Active = false
				return nil
			}
		}
		return policy.ErrNotFound
	}
	for _, p := range chain {
		p.Active = false
	}
	return nil
}

// Compile-time interface verification.
var _ policy.Store = (*PolicyStore)(nil)
