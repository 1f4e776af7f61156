// Package memory provides in-memory implementations of outbound ports.
// Thread-safe; intended for development, testing, and single-process
// deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mandategate/mandategate/internal/runtime"
)

// stateKey identifies one (agent, mandate) enforcement lane.
type stateKey struct {
	agentID   string
	mandateID string
}

// stateEntry is a single-owner lane: its mutex serialises checkAndCommit and
// kill for one key.
type stateEntry struct {
	mu    sync.Mutex
	state *runtime.State
}

// StateManager implements runtime.Manager with per-key mutexes. Get returns
// deep-copied snapshots; only CheckAndCommit and Kill touch the
// authoritative state.
type StateManager struct {
	mu           sync.RWMutex
	entries      map[stateKey]*stateEntry
	killedAgents map[string]bool
	subs         map[stateKey]map[int]func(runtime.KillSignal)
	agentSubs    map[string]map[int]func(runtime.KillSignal)
	nextSubID    int
	closed       bool
}

// NewStateManager creates an empty in-memory state manager.
func NewStateManager() *StateManager {
	return &StateManager{
		entries:      make(map[stateKey]*stateEntry),
		killedAgents: make(map[string]bool),
		subs:         make(map[stateKey]map[int]func(runtime.KillSignal)),
		agentSubs:    make(map[string]map[int]func(runtime.KillSignal)),
	}
}

func (m *StateManager) entry(k stateKey) *stateEntry {
	m.mu.RLock()
	e, ok := m.entries[k]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[k]; ok {
		return e
	}
	e = &stateEntry{state: runtime.NewState()}
	// Lanes inherit an already-set agent-level kill.
	if m.killedAgents[k.agentID] {
		e.state.Killed = true
	}
	m.entries[k] = e
	return e
}

// Get returns a deep-copied snapshot of the state.
func (m *StateManager) Get(ctx context.Context, agentID, mandateID string) (*runtime.State, error) {
	e := m.entry(stateKey{agentID, mandateID})
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// CheckAndCommit runs the commit predicates and applies the change under the
// lane mutex, so concurrent commits for one key serialise.
func (m *StateManager) CheckAndCommit(ctx context.Context, agentID, mandateID string, ch runtime.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := m.entry(stateKey{agentID, mandateID})
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.RLock()
	agentKilled := m.killedAgents[agentID]
	m.mu.RUnlock()
	if agentKilled {
		e.state.Killed = true
	}

	if ch.Now.IsZero() {
		ch.Now = time.Now()
	}
	if rej := runtime.CheckChange(e.state, ch); rej != nil {
		return rej
	}
	runtime.ApplyChange(e.state, ch)
	return nil
}

// Kill flips the killed bit and notifies subscribers. An empty mandateID
// kills every existing and future lane of the agent.
func (m *StateManager) Kill(ctx context.Context, agentID, mandateID, reason string) error {
	sig := runtime.KillSignal{AgentID: agentID, MandateID: mandateID, Reason: reason, At: time.Now()}

	if mandateID == "" {
		m.mu.Lock()
		m.killedAgents[agentID] = true
		var handlers []func(runtime.KillSignal)
		for k, e := range m.entries {
			if k.agentID != agentID {
				continue
			}
			e.mu.Lock()
			e.state.Killed = true
			e.mu.Unlock()
		}
		for _, h := range m.agentSubs[agentID] {
			handlers = append(handlers, h)
		}
		for k, subs := range m.subs {
			if k.agentID != agentID {
				continue
			}
			for _, h := range subs {
				handlers = append(handlers, h)
			}
		}
		m.mu.Unlock()
		for _, h := range handlers {
			go h(sig)
		}
		return nil
	}

	e := m.entry(stateKey{agentID, mandateID})
	e.mu.Lock()
	e.state.Killed = true
	e.mu.Unlock()

	m.mu.RLock()
	var handlers []func(runtime.KillSignal)
	for _, h := range m.subs[stateKey{agentID, mandateID}] {
		handlers = append(handlers, h)
	}
	for _, h := range m.agentSubs[agentID] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()
	for _, h := range handlers {
		go h(sig)
	}
	return nil
}

// IsKilled reports the killed bit for a lane, or the agent-level bit when
// mandateID is empty.
func (m *StateManager) IsKilled(ctx context.Context, agentID, mandateID string) (bool, error) {
	m.mu.RLock()
	agentKilled := m.killedAgents[agentID]
	m.mu.RUnlock()
	if agentKilled || mandateID == "" {
		return agentKilled, nil
	}
	e := m.entry(stateKey{agentID, mandateID})
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Killed, nil
}

// SubscribeKill registers a handler. Handlers run on their own goroutines;
// delivery order across subscribers is unspecified.
func (m *StateManager) SubscribeKill(ctx context.Context, agentID, mandateID string, handler func(runtime.KillSignal)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID

	if mandateID == "" {
		if m.agentSubs[agentID] == nil {
			m.agentSubs[agentID] = make(map[int]func(runtime.KillSignal))
		}
		m.agentSubs[agentID][id] = handler
		return func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.agentSubs[agentID], id)
		}, nil
	}

	k := stateKey{agentID, mandateID}
	if m.subs[k] == nil {
		m.subs[k] = make(map[int]func(runtime.KillSignal))
	}
	m.subs[k][id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[k], id)
	}, nil
}

// ClearKill removes the agent-level kill marker. Lanes killed individually
// keep their killed bit; only new lanes start clean.
func (m *StateManager) ClearKill(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.killedAgents, agentID)
	return nil
}

// Close drops all subscriptions.
func (m *StateManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[stateKey]map[int]func(runtime.KillSignal))
	m.agentSubs = make(map[string]map[int]func(runtime.KillSignal))
	return nil
}

// Compile-time interface verification.
var _ runtime.Manager = (*StateManager)(nil)
