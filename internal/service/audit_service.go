// Package service contains the application services wiring domain logic to
// the outbound stores.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mandategate/mandategate/internal/domain/audit"
)

// BatchSink is the durable backend behind the async audit pipeline.
type BatchSink interface {
	AppendBatch(ctx context.Context, records []audit.Record) error
	Query(ctx context.Context, f *audit.Filter) ([]audit.Record, error)
}

// BatchAppender receives a copy of every flushed batch. Used for write-only
// mirrors alongside the primary sink; mirror failures are logged, never
// propagated.
type BatchAppender interface {
	AppendBatch(ctx context.Context, records []audit.Record) error
}

// AuditService provides async audit logging with a buffered channel and a
// background worker, so decision paths never block on the database. It
// implements audit.Store.
type AuditService struct {
	sink          BatchSink
	mirror        BatchAppender
	recordChan    chan audit.Record
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	// sendTimeout bounds backpressure: 0 drops immediately when the
	// channel is full, >0 blocks up to the timeout before dropping.
	sendTimeout time.Duration
	dropCount   atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64

	// adaptiveFlushThreshold is the channel depth percentage that switches
	// the worker to a 4x faster flush interval.
	adaptiveFlushThreshold int

	flushReq chan chan struct{}
	stopOnce sync.Once
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithMirror adds a secondary append-only sink that receives every flushed
// batch, e.g. a JSONL file mirror.
func WithMirror(mirror BatchAppender) AuditOption {
	return func(s *AuditService) { s.mirror = mirror }
}

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) { s.batchSize = size }
}

// WithFlushInterval sets the interval to flush pending records.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) { s.flushInterval = interval }
}

// WithChannelSize sets the size of the audit channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.recordChan = make(chan audit.Record, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) { s.sendTimeout = timeout }
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) { s.warningThreshold = clampPercent(percent) }
}

// WithAdaptiveFlushThreshold sets the channel depth percentage that triggers
// faster flushing. Zero disables adaptive flushing.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) { s.adaptiveFlushThreshold = clampPercent(percent) }
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// NewAuditService creates an AuditService over a batch sink.
func NewAuditService(sink BatchSink, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultChannelSize = 1000
	s := &AuditService{
		sink:                   sink,
		recordChan:             make(chan audit.Record, defaultChannelSize),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
		flushReq:               make(chan chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker that batches and writes audit records.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Append queues a record for the background worker. Applies backpressure:
// non-blocking send first, then blocks up to sendTimeout before dropping.
// Dropping is deliberate; audit must not stall enforcement.
func (s *AuditService) Append(ctx context.Context, r *audit.Record) error {
	record := *r
	if s.warningThreshold > 0 {
		depth := len(s.recordChan)
		if depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.recordChan <- record:
		return nil
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(&record)
		return nil
	}

	select {
	case s.recordChan <- record:
		return nil
	case <-time.After(s.sendTimeout):
		s.recordDrop(&record)
		return nil
	case <-ctx.Done():
		s.recordDrop(&record)
		return ctx.Err()
	}
}

// Query passes through to the sink. Callers should Flush first when they
// need read-your-writes.
func (s *AuditService) Query(ctx context.Context, f *audit.Filter) ([]audit.Record, error) {
	return s.sink.Query(ctx, f)
}

// Flush forces the worker to write its current batch and waits for it.
func (s *AuditService) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AuditService) recordDrop(r *audit.Record) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit record dropped",
		"agent_id", r.AgentID,
		"action_type", r.ActionType,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns total dropped records for metrics.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage for monitoring.
func (s *AuditService) ChannelDepth() int {
	return len(s.recordChan)
}

// Close stops the worker after flushing pending records.
func (s *AuditService) Close() error {
	s.stopOnce.Do(func() {
		close(s.recordChan)
		s.wg.Wait()
	})
	return nil
}

// worker collects and flushes audit records.
func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case record, ok := <-s.recordChan:
			if !ok {
				if len(batch) > 0 {
					s.finalFlush(batch)
				}
				return
			}
			batch = append(batch, record)

			shouldFlush := len(batch) >= s.batchSize
			depthPercent := len(s.recordChan) * 100 / s.channelSize
			if !shouldFlush && s.adaptiveFlushThreshold > 0 && depthPercent >= s.adaptiveFlushThreshold {
				shouldFlush = true
			}
			if shouldFlush {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			if s.adaptiveFlushThreshold > 0 {
				if depthPercent >= s.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
				} else if depthPercent < s.adaptiveFlushThreshold && fastMode {
					ticker.Reset(s.flushInterval)
					fastMode = false
				}
			}

		case done := <-s.flushReq:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
			close(done)

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever is already queued, then final flush.
			for {
				select {
				case record, ok := <-s.recordChan:
					if !ok {
						if len(batch) > 0 {
							s.finalFlush(batch)
						}
						return
					}
					batch = append(batch, record)
				default:
					if len(batch) > 0 {
						s.finalFlush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *AuditService) finalFlush(batch []audit.Record) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(flushCtx, batch)
}

// flush writes a batch to the sink. Errors are logged, never propagated:
// audit failure must not fail enforcement.
func (s *AuditService) flush(ctx context.Context, batch []audit.Record) {
	if err := s.sink.AppendBatch(ctx, batch); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
	if s.mirror != nil {
		if err := s.mirror.AppendBatch(ctx, batch); err != nil {
			s.logger.Error("failed to mirror audit batch",
				"error", err,
				"count", len(batch),
			)
		}
	}
}

// Compile-time interface verification.
var _ audit.Store = (*AuditService)(nil)
