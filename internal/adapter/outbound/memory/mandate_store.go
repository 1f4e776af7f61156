package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mandategate/mandategate/internal/domain/mandate"
)

// MandateStore implements mandate.Store with in-memory maps. Mandates are
// stored as marshalled JSON so reads can never observe shared mutable
// structure.
type MandateStore struct {
	mu       sync.RWMutex
	byID     map[string][]byte
	byAgent  map[string][]string // agentID -> mandate IDs, insertion order
	issuedAt map[string]time.Time
}

// NewMandateStore creates an empty in-memory mandate store.
func NewMandateStore() *MandateStore {
	return &MandateStore{
		byID:     make(map[string][]byte),
		byAgent:  make(map[string][]string),
		issuedAt: make(map[string]time.Time),
	}
}

func (s *MandateStore) Insert(ctx context.Context, m *mandate.Mandate) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mandate: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = raw
	s.byAgent[m.AgentID] = append(s.byAgent[m.AgentID], m.ID)
	s.issuedAt[m.ID] = m.IssuedAt
	return nil
}

func (s *MandateStore) FindOne(ctx context.Context, id string, now time.Time) (*mandate.Mandate, error) {
	s.mu.RLock()
	raw, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, mandate.ErrNotFound
	}
	var m mandate.Mandate
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal mandate: %w", err)
	}
	if m.Expired(now) {
		return nil, mandate.ErrNotFound
	}
	return &m, nil
}

func (s *MandateStore) FindByAgentAndContext(ctx context.Context, agentID string, reqCtx map[string]string, now time.Time) (*mandate.Mandate, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byAgent[agentID]...)
	s.mu.RUnlock()

	// Newest first.
	for i := len(ids) - 1; i >= 0; i-- {
		m, err := s.FindOne(ctx, ids[i], now)
		if err != nil {
			continue
		}
		if mandate.ContextEqual(m.Context, reqCtx) {
			return m, nil
		}
	}
	return nil, mandate.ErrNotFound
}

// Compile-time interface verification.
var _ mandate.Store = (*MandateStore)(nil)
