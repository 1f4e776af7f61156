package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mandategate/mandategate/internal/domain/mandate"
)

// MandateStore implements mandate.Store over the shared DB. The mandate body
// is stored as a single JSON document so historical reads stay byte-stable;
// agent ID, context hash, and expiry are lifted into indexed columns.
type MandateStore struct {
	db *DB
}

// NewMandateStore creates the mandate store.
func NewMandateStore(db *DB) *MandateStore {
	return &MandateStore{db: db}
}

func contextHashHex(reqCtx map[string]string) string {
	return strconv.FormatUint(mandate.ContextFingerprint(reqCtx), 16)
}

func (s *MandateStore) Insert(ctx context.Context, m *mandate.Mandate) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mandate: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO mandates (id, agent_id, context_hash, body, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, contextHashHex(m.Context), string(body), m.IssuedAt, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert mandate: %w", err)
	}
	return nil
}

func (s *MandateStore) FindOne(ctx context.Context, id string, now time.Time) (*mandate.Mandate, error) {
	var body string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT body FROM mandates WHERE id = ? AND expires_at >= ?`, id, now).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mandate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find mandate: %w", err)
	}
	var m mandate.Mandate
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("unmarshal mandate: %w", err)
	}
	if m.Expired(now) {
		return nil, mandate.ErrNotFound
	}
	return &m, nil
}

func (s *MandateStore) FindByAgentAndContext(ctx context.Context, agentID string, reqCtx map[string]string, now time.Time) (*mandate.Mandate, error) {
	// The hash narrows candidates; exact context equality decides. Hash
	// collisions just mean a few extra comparisons.
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT body FROM mandates
		 WHERE agent_id = ? AND context_hash = ? AND expires_at >= ?
		 ORDER BY issued_at DESC`,
		agentID, contextHashHex(reqCtx), now)
	if err != nil {
		return nil, fmt.Errorf("find mandate by context: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan mandate: %w", err)
		}
		var m mandate.Mandate
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("unmarshal mandate: %w", err)
		}
		if m.Expired(now) {
			continue
		}
		if mandate.ContextEqual(m.Context, reqCtx) {
			return &m, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, mandate.ErrNotFound
}

// PurgeExpired removes mandates expired before the cutoff; the audit log
// keeps the historical record.
func (s *MandateStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM mandates WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge mandates: %w", err)
	}
	return res.RowsAffected()
}

// Compile-time interface verification.
var _ mandate.Store = (*MandateStore)(nil)
