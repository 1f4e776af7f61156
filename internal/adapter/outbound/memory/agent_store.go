package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mandategate/mandategate/internal/domain/agent"
)

// AgentStore implements agent.Store with in-memory maps.
type AgentStore struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent // ID -> Agent
	byHash map[string]string       // keyHash -> ID
}

// NewAgentStore creates an empty in-memory agent store.
func NewAgentStore() *AgentStore {
	return &AgentStore{
		agents: make(map[string]*agent.Agent),
		byHash: make(map[string]string),
	}
}

func cloneAgent(a *agent.Agent) *agent.Agent {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (s *AgentStore) Insert(ctx context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[a.KeyHash]; ok {
		return agent.ErrDuplicateKey
	}
	s.agents[a.ID] = cloneAgent(a)
	s.byHash[a.KeyHash] = a.ID
	return nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *AgentStore) GetByKeyHash(ctx context.Context, keyHash string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return cloneAgent(s.agents[id]), nil
}

func (s *AgentStore) List(ctx context.Context) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *AgentStore) Update(ctx context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.agents[a.ID]
	if !ok {
		return agent.ErrNotFound
	}
	cp := cloneAgent(a)
	// Key hash is immutable after registration.
	cp.KeyHash = existing.KeyHash
	cp.CreatedAt = existing.CreatedAt
	s.agents[a.ID] = cp
	return nil
}

func (s *AgentStore) SetStatus(ctx context.Context, id string, status agent.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return agent.ErrNotFound
	}
	a.Status = status
	return nil
}

// KillStore implements agent.KillStore with an in-memory map.
type KillStore struct {
	mu      sync.RWMutex
	entries map[string]*agent.KillEntry
}

// NewKillStore creates an empty in-memory kill registry.
func NewKillStore() *KillStore {
	return &KillStore{entries: make(map[string]*agent.KillEntry)}
}

func (s *KillStore) Upsert(ctx context.Context, e *agent.KillEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.AgentID] = &cp
	return nil
}

func (s *KillStore) Get(ctx context.Context, agentID string) (*agent.KillEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[agentID]
	if !ok {
		return nil, agent.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *KillStore) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, agentID)
	return nil
}

// Compile-time interface verification.
var (
	_ agent.Store     = (*AgentStore)(nil)
	_ agent.KillStore = (*KillStore)(nil)
)
