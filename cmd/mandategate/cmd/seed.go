package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/rule"
	"github.com/mandategate/mandategate/internal/service"
)

// seedFile is the YAML schema for boot-time seeding. Rules reference
// policies by name because policy IDs are minted at creation.
type seedFile struct {
	Agents   []seedAgent  `yaml:"agents"`
	Policies []seedPolicy `yaml:"policies"`
	Rules    []seedRule   `yaml:"rules"`
}

type seedAgent struct {
	Name        string            `yaml:"name"`
	Owner       string            `yaml:"owner"`
	Environment string            `yaml:"environment"`
	KeyHash     string            `yaml:"key_hash"`
	Metadata    map[string]string `yaml:"metadata"`
}

type seedPolicy struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Authority   map[string]any `yaml:"authority"`
}

type seedRule struct {
	Name          string          `yaml:"name"`
	Policy        string          `yaml:"policy"`
	MatchMode     string          `yaml:"match_mode"`
	AgentIDs      []string        `yaml:"agent_ids"`
	Conditions    []seedCondition `yaml:"conditions"`
	CELExpression string          `yaml:"cel_expression"`
}

type seedCondition struct {
	Field    string   `yaml:"field"`
	Operator string   `yaml:"operator"`
	Value    string   `yaml:"value"`
	Values   []string `yaml:"values"`
}

// seedFromFile loads agents, policies, and rules from a YAML file.
// Idempotent: entries whose name already exists are skipped, so restarting
// with the same seed file never duplicates anything.
func seedFromFile(ctx context.Context, path string, agents *service.AgentService,
	policies *service.PolicyAdminService, rules *service.RuleAdminService, logger *slog.Logger) error {

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	existingAgents, err := agents.List(ctx)
	if err != nil {
		return err
	}
	agentNames := make(map[string]bool, len(existingAgents))
	for _, a := range existingAgents {
		agentNames[a.Name] = true
	}
	var seededAgents int
	for _, sa := range seed.Agents {
		if agentNames[sa.Name] {
			continue
		}
		if _, err := agents.RegisterProvisioned(ctx, sa.Name, sa.Owner,
			agent.Environment(sa.Environment), sa.KeyHash, sa.Metadata); err != nil {
			return fmt.Errorf("seed agent %q: %w", sa.Name, err)
		}
		seededAgents++
	}

	existingPolicies, err := policies.List(ctx, false)
	if err != nil {
		return err
	}
	// Policy name to ID, for rule references.
	policyIDs := make(map[string]string, len(existingPolicies))
	for _, p := range existingPolicies {
		policyIDs[p.Name] = p.PolicyID
	}
	var seededPolicies int
	for _, sp := range seed.Policies {
		if _, ok := policyIDs[sp.Name]; ok {
			continue
		}
		authority, err := decodeAuthority(sp.Authority)
		if err != nil {
			return fmt.Errorf("seed policy %q: %w", sp.Name, err)
		}
		created, err := policies.Create(ctx, sp.Name, sp.Description, authority)
		if err != nil {
			return fmt.Errorf("seed policy %q: %w", sp.Name, err)
		}
		policyIDs[sp.Name] = created.PolicyID
		seededPolicies++
	}

	existingRules, err := rules.List(ctx, false)
	if err != nil {
		return err
	}
	ruleNames := make(map[string]bool, len(existingRules))
	for _, r := range existingRules {
		ruleNames[r.Name] = true
	}
	var seededRules int
	for _, sr := range seed.Rules {
		if ruleNames[sr.Name] {
			continue
		}
		policyID, ok := policyIDs[sr.Policy]
		if !ok {
			return fmt.Errorf("seed rule %q: unknown policy %q", sr.Name, sr.Policy)
		}
		conditions := make([]rule.Condition, 0, len(sr.Conditions))
		for _, c := range sr.Conditions {
			conditions = append(conditions, rule.Condition{
				Field:    c.Field,
				Operator: rule.Operator(c.Operator),
				Value:    c.Value,
				Values:   c.Values,
			})
		}
		if _, err := rules.Create(ctx, &rule.Rule{
			Name:          sr.Name,
			Conditions:    conditions,
			MatchMode:     rule.MatchMode(sr.MatchMode),
			AgentIDs:      sr.AgentIDs,
			PolicyID:      policyID,
			CELExpression: sr.CELExpression,
		}); err != nil {
			return fmt.Errorf("seed rule %q: %w", sr.Name, err)
		}
		seededRules++
	}

	logger.Info("seed file applied", "file", path,
		"agents", seededAgents, "policies", seededPolicies, "rules", seededRules)
	return nil
}

// decodeAuthority converts the YAML authority map to the domain type through
// its JSON tags, so seed files use the same field names as the API.
func decodeAuthority(raw map[string]any) (mandate.Authority, error) {
	var authority mandate.Authority
	if raw == nil {
		return authority, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return authority, fmt.Errorf("encode authority: %w", err)
	}
	if err := json.Unmarshal(buf, &authority); err != nil {
		return authority, fmt.Errorf("decode authority: %w", err)
	}
	return authority, nil
}
