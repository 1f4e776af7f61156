package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mandategate/mandategate/internal/domain/agent"
)

// AgentStore implements agent.Store over the shared DB.
type AgentStore struct {
	db *DB
}

// NewAgentStore creates the agent store.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

func (s *AgentStore) Insert(ctx context.Context, a *agent.Agent) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, key_hash, owner, environment, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.KeyHash, a.Owner, string(a.Environment), string(a.Status), string(meta), a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return agent.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

const agentColumns = `id, name, key_hash, owner, environment, status, metadata, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*agent.Agent, error) {
	var a agent.Agent
	var env, status, meta string
	if err := row.Scan(&a.ID, &a.Name, &a.KeyHash, &a.Owner, &env, &status, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Environment = agent.Environment(env)
	a.Status = agent.Status(status)
	if meta != "" && meta != "{}" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &a, nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *AgentStore) GetByKeyHash(ctx context.Context, keyHash string) (*agent.Agent, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE key_hash = ?`, keyHash)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by key hash: %w", err)
	}
	return a, nil
}

func (s *AgentStore) List(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *AgentStore) Update(ctx context.Context, a *agent.Agent) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, owner = ?, environment = ?, status = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		a.Name, a.Owner, string(a.Environment), string(a.Status), string(meta), a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return agent.ErrNotFound
	}
	return nil
}

func (s *AgentStore) SetStatus(ctx context.Context, id string, status agent.Status) error {
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return agent.ErrNotFound
	}
	return nil
}

// KillStore implements agent.KillStore over the shared DB.
type KillStore struct {
	db *DB
}

// NewKillStore creates the kill registry store.
func NewKillStore(db *DB) *KillStore {
	return &KillStore{db: db}
}

func (s *KillStore) Upsert(ctx context.Context, e *agent.KillEntry) error {
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO kills (agent_id, killed_at, reason, killed_by) VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET killed_at = excluded.killed_at, reason = excluded.reason, killed_by = excluded.killed_by`,
		e.AgentID, e.KilledAt, e.Reason, e.KilledBy)
	if err != nil {
		return fmt.Errorf("upsert kill entry: %w", err)
	}
	return nil
}

func (s *KillStore) Get(ctx context.Context, agentID string) (*agent.KillEntry, error) {
	var e agent.KillEntry
	err := s.db.db.QueryRowContext(ctx,
		`SELECT agent_id, killed_at, reason, killed_by FROM kills WHERE agent_id = ?`, agentID).
		Scan(&e.AgentID, &e.KilledAt, &e.Reason, &e.KilledBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kill entry: %w", err)
	}
	return &e, nil
}

func (s *KillStore) Delete(ctx context.Context, agentID string) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM kills WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete kill entry: %w", err)
	}
	return nil
}

// Compile-time interface verification.
var (
	_ agent.Store     = (*AgentStore)(nil)
	_ agent.KillStore = (*KillStore)(nil)
)
