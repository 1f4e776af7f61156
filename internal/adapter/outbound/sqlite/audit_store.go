package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mandategate/mandategate/internal/domain/audit"
)

// AuditStore implements audit.Store with synchronous writes. The async
// buffering sits in the service layer; this store is the durable sink.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates the audit store.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

func marshalJSONField(v any) (any, error) {
	switch t := v.(type) {
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (s *AuditStore) Append(ctx context.Context, r *audit.Record) error {
	return s.AppendBatch(ctx, []audit.Record{*r})
}

// AppendBatch writes records in one transaction, preserving slice order.
func (s *AuditStore) AppendBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (ts, agent_id, mandate_id, action_id, action_type, tool_name, decision, reason,
		                        estimated_cost, actual_cost, cumulative_cost, context, matched_rules, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		reqCtx, err := marshalJSONField(r.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		rules, err := marshalJSONField(r.MatchedRules)
		if err != nil {
			return fmt.Errorf("marshal matched rules: %w", err)
		}
		meta, err := marshalJSONField(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Timestamp, r.AgentID, r.MandateID, r.ActionID, r.ActionType, r.ToolName,
			string(r.Decision), r.Reason, r.EstimatedCost, r.ActualCost, r.CumulativeCost,
			reqCtx, rules, meta); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *AuditStore) Query(ctx context.Context, f *audit.Filter) ([]audit.Record, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, f.ActionType)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, string(f.Decision))
	}
	if !f.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.To)
	}

	query := `SELECT id, ts, agent_id, mandate_id, action_id, action_type, tool_name, decision, reason,
	                 estimated_cost, actual_cost, cumulative_cost, context, matched_rules, metadata
	          FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, f.EffectiveLimit())

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var r audit.Record
		var decision string
		var reqCtx, rules, meta sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.AgentID, &r.MandateID, &r.ActionID, &r.ActionType,
			&r.ToolName, &decision, &r.Reason, &r.EstimatedCost, &r.ActualCost, &r.CumulativeCost,
			&reqCtx, &rules, &meta); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Decision = audit.Decision(decision)
		if reqCtx.Valid && reqCtx.String != "" {
			if err := json.Unmarshal([]byte(reqCtx.String), &r.Context); err != nil {
				return nil, fmt.Errorf("unmarshal context: %w", err)
			}
		}
		if rules.Valid && rules.String != "" {
			if err := json.Unmarshal([]byte(rules.String), &r.MatchedRules); err != nil {
				return nil, fmt.Errorf("unmarshal matched rules: %w", err)
			}
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AuditStore) Flush(ctx context.Context) error { return nil }

func (s *AuditStore) Close() error { return nil }

// Compile-time interface verification.
var _ audit.Store = (*AuditStore)(nil)
