package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mandategate/mandategate/internal/domain/audit"
)

// AuditStore implements audit.Store with an in-memory append-only slice.
// Append is synchronous; Flush is a no-op.
type AuditStore struct {
	mu      sync.RWMutex
	records []audit.Record
	nextID  int64
}

// NewAuditStore creates an empty in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Append(ctx context.Context, r *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *r
	cp.ID = s.nextID
	if r.Context != nil {
		cp.Context = make(map[string]string, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.MatchedRules != nil {
		cp.MatchedRules = append([]string(nil), r.MatchedRules...)
	}
	s.records = append(s.records, cp)
	return nil
}

// AppendBatch appends records in order, so the store can back the async
// audit pipeline in tests.
func (s *AuditStore) AppendBatch(ctx context.Context, records []audit.Record) error {
	for i := range records {
		if err := s.Append(ctx, &records[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *AuditStore) Query(ctx context.Context, f *audit.Filter) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]audit.Record, 0)
	for i := range s.records {
		if f.Match(&s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	// Newest first; insertion ID breaks timestamp ties.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *AuditStore) Flush(ctx context.Context) error { return nil }

func (s *AuditStore) Close() error { return nil }

// Len reports the number of stored records.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Compile-time interface verification.
var _ audit.Store = (*AuditStore)(nil)
