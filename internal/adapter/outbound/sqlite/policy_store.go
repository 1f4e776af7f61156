package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/policy"
)

// PolicyStore implements policy.Store over the shared DB. Version updates
// run in a write transaction so the latest-version read and the new insert
// are atomic; a lost race surfaces as ErrConflict via the primary key.
type PolicyStore struct {
	db *DB
}

// NewPolicyStore creates the policy store.
func NewPolicyStore(db *DB) *PolicyStore {
	return &PolicyStore{db: db}
}

func (s *PolicyStore) Insert(ctx context.Context, p *policy.Policy) error {
	authority, err := json.Marshal(p.Authority)
	if err != nil {
		return fmt.Errorf("marshal authority: %w", err)
	}
	p.Version = 1
	p.Active = true
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO policies (policy_id, version, name, description, authority, active, created_at)
		 VALUES (?, 1, ?, ?, ?, 1, ?)`,
		p.PolicyID, p.Name, p.Description, string(authority), p.CreatedAt)
	if isUniqueViolation(err) {
		return policy.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

func (s *PolicyStore) InsertNewVersion(ctx context.Context, policyID, name, description string, authority mandate.Authority) (*policy.Policy, error) {
	raw, err := json.Marshal(authority)
	if err != nil {
		return nil, fmt.Errorf("marshal authority: %w", err)
	}

	tx, err := s.db.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM policies WHERE policy_id = ? ORDER BY version DESC LIMIT 1`, policyID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read latest version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET active = 0 WHERE policy_id = ? AND version = ?`, policyID, latest); err != nil {
		return nil, fmt.Errorf("deactivate version %d: %w", latest, err)
	}

	next := &policy.Policy{
		PolicyID:    policyID,
		Version:     latest + 1,
		Name:        name,
		Description: description,
		Authority:   authority,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO policies (policy_id, version, name, description, authority, active, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		next.PolicyID, next.Version, next.Name, next.Description, string(raw), next.CreatedAt)
	if isUniqueViolation(err) {
		return nil, policy.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert version %d: %w", next.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

const policyColumns = `policy_id, version, name, description, authority, active, created_at`

func scanPolicy(row interface{ Scan(...any) error }) (*policy.Policy, error) {
	var p policy.Policy
	var authority string
	if err := row.Scan(&p.PolicyID, &p.Version, &p.Name, &p.Description, &authority, &p.Active, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(authority), &p.Authority); err != nil {
		return nil, fmt.Errorf("unmarshal authority: %w", err)
	}
	return &p, nil
}

func (s *PolicyStore) GetLatestActive(ctx context.Context, policyID string) (*policy.Policy, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE policy_id = ? AND active = 1 ORDER BY version DESC LIMIT 1`, policyID)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest active policy: %w", err)
	}
	return p, nil
}

func (s *PolicyStore) GetVersion(ctx context.Context, policyID string, version int) (*policy.Policy, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE policy_id = ? AND version = ?`, policyID, version)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy version: %w", err)
	}
	return p, nil
}

func (s *PolicyStore) List(ctx context.Context, activeOnly bool) ([]policy.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies p
		 WHERE version = (SELECT MAX(version) FROM policies WHERE policy_id = p.policy_id)`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY policy_id`

	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PolicyStore) Deactivate(ctx context.Context, policyID string, version int) error {
	var res sql.Result
	var err error
	if version > 0 {
		res, err = s.db.db.ExecContext(ctx,
			`UPDATE policies SET active = 0 WHERE policy_id = ? AND version = ?`, policyID, version)
	} else {
		res, err = s.db.db.ExecContext(ctx,
			`UPDATE policies SET active = 0 WHERE policy_id = ?`, policyID)
	}
	if err != nil {
		return fmt.Errorf("deactivate policy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return policy.ErrNotFound
	}
	return nil
}

// Compile-time interface verification.
var _ policy.Store = (*PolicyStore)(nil)
