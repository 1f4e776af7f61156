package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/ident"
)

// ErrInvalidAPIKey is returned for malformed or unknown bearer keys.
var ErrInvalidAPIKey = errors.New("invalid api key")

// AgentService manages agent registration and authentication.
type AgentService struct {
	agents agent.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewAgentService creates the agent service.
func NewAgentService(agents agent.Store, logger *slog.Logger) *AgentService {
	return &AgentService{agents: agents, logger: logger, now: time.Now}
}

// Register mints an agent ID and API key, stores the key hash, and returns
// the raw key. The raw key is never stored and never returned again.
func (s *AgentService) Register(ctx context.Context, name, owner string, env agent.Environment, metadata map[string]string) (*agent.Agent, string, error) {
	if !agent.ValidEnvironment(env) {
		return nil, "", fmt.Errorf("unknown environment %q", env)
	}
	rawKey := ident.NewAPIKey()
	now := s.now().UTC()
	a := &agent.Agent{
		ID:          ident.NewAgentID(),
		Name:        name,
		KeyHash:     ident.HashKey(rawKey),
		Owner:       owner,
		Environment: env,
		Status:      agent.StatusActive,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.agents.Insert(ctx, a); err != nil {
		return nil, "", fmt.Errorf("register agent: %w", err)
	}
	s.logger.Info("agent registered", "agent_id", a.ID, "environment", string(env))
	return a, rawKey, nil
}

// RegisterProvisioned registers an agent with an operator-supplied key
// hash. The hash may be SHA-256 hex or an Argon2id PHC string; the raw key
// never passes through the service.
func (s *AgentService) RegisterProvisioned(ctx context.Context, name, owner string, env agent.Environment, keyHash string, metadata map[string]string) (*agent.Agent, error) {
	if !agent.ValidEnvironment(env) {
		return nil, fmt.Errorf("unknown environment %q", env)
	}
	if ident.DetectHashType(keyHash) == "unknown" {
		return nil, fmt.Errorf("unrecognized key hash format")
	}
	now := s.now().UTC()
	a := &agent.Agent{
		ID:          ident.NewAgentID(),
		Name:        name,
		KeyHash:     keyHash,
		Owner:       owner,
		Environment: env,
		Status:      agent.StatusActive,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.agents.Insert(ctx, a); err != nil {
		return nil, fmt.Errorf("register provisioned agent: %w", err)
	}
	s.logger.Info("provisioned agent registered", "agent_id", a.ID, "hash_type", ident.DetectHashType(keyHash))
	return a, nil
}

// Authenticate resolves a bearer API key to its agent. Malformed keys,
// unknown keys, and inactive agents all fail the same way so the response
// does not leak which part was wrong.
func (s *AgentService) Authenticate(ctx context.Context, rawKey string) (*agent.Agent, error) {
	a, err := s.AuthenticateAny(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return nil, ErrInvalidAPIKey
	}
	return a, nil
}

// AuthenticateAny resolves a key without the active-status check. Only the
// resurrect flow uses it: a killed agent is inactive yet must still prove
// key ownership to come back.
func (s *AgentService) AuthenticateAny(ctx context.Context, rawKey string) (*agent.Agent, error) {
	if !strings.HasPrefix(rawKey, ident.APIKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	a, err := s.agents.GetByKeyHash(ctx, ident.HashKey(rawKey))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, agent.ErrNotFound) {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return s.authenticateProvisioned(ctx, rawKey)
}

// authenticateProvisioned handles operator-seeded agents whose key hash is
// an Argon2id PHC string. Those cannot be found by hash lookup, so this
// scans agents with a non-SHA-256 hash and verifies each. Provisioned
// agents are rare; the scan does not matter for minted keys, which always
// hit the hash index above.
func (s *AgentService) authenticateProvisioned(ctx context.Context, rawKey string) (*agent.Agent, error) {
	all, err := s.agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	for i := range all {
		if ident.DetectHashType(all[i].KeyHash) != "argon2id" {
			continue
		}
		match, err := ident.VerifyKey(rawKey, all[i].KeyHash)
		if err != nil {
			s.logger.Warn("malformed provisioned key hash", "agent_id", all[i].ID, "error", err)
			continue
		}
		if match {
			return &all[i], nil
		}
	}
	return nil, ErrInvalidAPIKey
}

// Get returns an agent by ID.
func (s *AgentService) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return s.agents.Get(ctx, id)
}

// List returns all agents.
func (s *AgentService) List(ctx context.Context) ([]agent.Agent, error) {
	return s.agents.List(ctx)
}

// Update persists mutable agent fields. The key hash, ID, and creation time
// never change.
func (s *AgentService) Update(ctx context.Context, id, name, owner string, metadata map[string]string) (*agent.Agent, error) {
	a, err := s.agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		a.Name = name
	}
	if owner != "" {
		a.Owner = owner
	}
	if metadata != nil {
		a.Metadata = metadata
	}
	a.UpdatedAt = s.now().UTC()
	if err := s.agents.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return a, nil
}

// Deactivate soft-deletes an agent by flipping its status.
func (s *AgentService) Deactivate(ctx context.Context, id string) error {
	if err := s.agents.SetStatus(ctx, id, agent.StatusInactive); err != nil {
		return err
	}
	s.logger.Info("agent deactivated", "agent_id", id)
	return nil
}
