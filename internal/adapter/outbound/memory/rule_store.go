package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mandategate/mandategate/internal/domain/rule"
)

// RuleStore implements rule.Store with in-memory version chains.
type RuleStore struct {
	mu       sync.RWMutex
	versions map[string][]*rule.Rule // ruleID -> versions ascending
	now      func() time.Time
}

// NewRuleStore creates an empty in-memory rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		versions: make(map[string][]*rule.Rule),
		now:      time.Now,
	}
}

func cloneRule(r *rule.Rule) *rule.Rule {
	cp := *r
	if r.Conditions != nil {
		cp.Conditions = make([]rule.Condition, len(r.Conditions))
		for i, c := range r.Conditions {
			cc := c
			if c.Values != nil {
				cc.Values = append([]string(nil), c.Values...)
			}
			cp.Conditions[i] = cc
		}
	}
	if r.AgentIDs != nil {
		cp.AgentIDs = append([]string(nil), r.AgentIDs...)
	}
	return &cp
}

func (s *RuleStore) Insert(ctx context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.versions[r.RuleID]) > 0 {
		return rule.ErrConflict
	}
	cp := cloneRule(r)
	cp.Version = 1
	cp.Active = true
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.versions[r.RuleID] = []*rule.Rule{cp}
	*r = *cloneRule(cp)
	return nil
}

func (s *RuleStore) InsertNewVersion(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.versions[r.RuleID]
	if len(chain) == 0 {
		return nil, rule.ErrNotFound
	}
	latest := chain[len(chain)-1]
	latest.Active = false
	next := cloneRule(r)
	next.Version = latest.Version + 1
	next.Active = true
	next.CreatedAt = s.now()
	s.versions[r.RuleID] = append(chain, next)
	return cloneRule(next), nil
}

func (s *RuleStore) GetLatestActive(ctx context.Context, ruleID string) (*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[ruleID]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Active {
			return cloneRule(chain[i]), nil
		}
	}
	return nil, rule.ErrNotFound
}

func (s *RuleStore) GetVersion(ctx context.Context, ruleID string, version int) (*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.versions[ruleID] {
		if r.Version == version {
			return cloneRule(r), nil
		}
	}
	return nil, rule.ErrNotFound
}

// ListActive returns latest active versions ordered by version descending,
// then rule ID ascending. The order is the issuance tiebreaker.
func (s *RuleStore) ListActive(ctx context.Context) ([]rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rule.Rule, 0, len(s.versions))
	for _, chain := range s.versions {
		for i := len(chain) - 1; i >= 0; i-- {
			if chain[i].Active {
				out = append(out, *cloneRule(chain[i]))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

func (s *RuleStore) List(ctx context.Context) ([]rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rule.Rule, 0, len(s.versions))
	for _, chain := range s.versions {
		out = append(out, *cloneRule(chain[len(chain)-1]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

func (s *RuleStore) Deactivate(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.versions[ruleID]
	if len(chain) == 0 {
		return rule.ErrNotFound
	}
	for _, r := range chain {
		r.Active = false
	}
	return nil
}

// Compile-time interface verification.
var _ rule.Store = (*RuleStore)(nil)
