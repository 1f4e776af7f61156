package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mandategate/mandategate/internal/domain/rule"
)

// RuleStore implements rule.Store over the shared DB with the same
// transactional versioning as the policy store.
type RuleStore struct {
	db *DB
}

// NewRuleStore creates the rule store.
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

func marshalRule(r *rule.Rule) (conditions, agentIDs string, err error) {
	condRaw, err := json.Marshal(r.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("marshal conditions: %w", err)
	}
	if r.AgentIDs == nil {
		return string(condRaw), "", nil
	}
	idsRaw, err := json.Marshal(r.AgentIDs)
	if err != nil {
		return "", "", fmt.Errorf("marshal agent ids: %w", err)
	}
	return string(condRaw), string(idsRaw), nil
}

func (s *RuleStore) Insert(ctx context.Context, r *rule.Rule) error {
	conditions, agentIDs, err := marshalRule(r)
	if err != nil {
		return err
	}
	r.Version = 1
	r.Active = true
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO rules (rule_id, version, name, conditions, match_mode, agent_ids, policy_id, cel_expression, active, created_at)
		 VALUES (?, 1, ?, ?, ?, ?, ?, ?, 1, ?)`,
		r.RuleID, r.Name, conditions, string(r.MatchMode), nullable(agentIDs), r.PolicyID, r.CELExpression, r.CreatedAt)
	if isUniqueViolation(err) {
		return rule.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *RuleStore) InsertNewVersion(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	conditions, agentIDs, err := marshalRule(r)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM rules WHERE rule_id = ? ORDER BY version DESC LIMIT 1`, r.RuleID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read latest version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rules SET active = 0 WHERE rule_id = ? AND version = ?`, r.RuleID, latest); err != nil {
		return nil, fmt.Errorf("deactivate version %d: %w", latest, err)
	}

	next := *r
	next.Version = latest + 1
	next.Active = true
	next.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rules (rule_id, version, name, conditions, match_mode, agent_ids, policy_id, cel_expression, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		next.RuleID, next.Version, next.Name, conditions, string(next.MatchMode), nullable(agentIDs), next.PolicyID, next.CELExpression, next.CreatedAt)
	if isUniqueViolation(err) {
		return nil, rule.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert version %d: %w", next.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &next, nil
}

const ruleColumns = `rule_id, version, name, conditions, match_mode, agent_ids, policy_id, cel_expression, active, created_at`

func scanRule(row interface{ Scan(...any) error }) (*rule.Rule, error) {
	var r rule.Rule
	var conditions, matchMode string
	var agentIDs sql.NullString
	if err := row.Scan(&r.RuleID, &r.Version, &r.Name, &conditions, &matchMode, &agentIDs, &r.PolicyID, &r.CELExpression, &r.Active, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.MatchMode = rule.MatchMode(matchMode)
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if agentIDs.Valid && agentIDs.String != "" {
		if err := json.Unmarshal([]byte(agentIDs.String), &r.AgentIDs); err != nil {
			return nil, fmt.Errorf("unmarshal agent ids: %w", err)
		}
	}
	return &r, nil
}

func (s *RuleStore) GetLatestActive(ctx context.Context, ruleID string) (*rule.Rule, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE rule_id = ? AND active = 1 ORDER BY version DESC LIMIT 1`, ruleID)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest active rule: %w", err)
	}
	return r, nil
}

func (s *RuleStore) GetVersion(ctx context.Context, ruleID string, version int) (*rule.Rule, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE rule_id = ? AND version = ?`, ruleID, version)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule version: %w", err)
	}
	return r, nil
}

// ListActive orders by version descending then rule ID ascending; the order
// is the issuance tiebreaker and must match the memory store.
func (s *RuleStore) ListActive(ctx context.Context) ([]rule.Rule, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules r
		 WHERE active = 1
		   AND version = (SELECT MAX(version) FROM rules WHERE rule_id = r.rule_id AND active = 1)
		 ORDER BY version DESC, rule_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func (s *RuleStore) List(ctx context.Context) ([]rule.Rule, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules r
		 WHERE version = (SELECT MAX(version) FROM rules WHERE rule_id = r.rule_id)
		 ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows *sql.Rows) ([]rule.Rule, error) {
	var out []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *RuleStore) Deactivate(ctx context.Context, ruleID string) error {
	res, err := s.db.db.ExecContext(ctx, `UPDATE rules SET active = 0 WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rule.ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time interface verification.
var _ rule.Store = (*RuleStore)(nil)
