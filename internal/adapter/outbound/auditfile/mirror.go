// Package auditfile writes a JSON Lines mirror of the audit trail to local
// disk, with daily rotation, size caps, and retention cleanup. The mirror is
// write-only; queries go to the primary store.
package auditfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/mandategate/mandategate/internal/domain/audit"
)

// mirrorFilePattern matches mirror filenames: audit-YYYY-MM-DD.log or
// audit-YYYY-MM-DD-N.log.
var mirrorFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// mirrorFileInfo holds parsed information about a mirror file.
type mirrorFileInfo struct {
	name   string
	date   string
	suffix int
}

func parseMirrorFilename(name string) (mirrorFileInfo, bool) {
	matches := mirrorFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return mirrorFileInfo{}, false
	}
	info := mirrorFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return mirrorFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// Config holds mirror settings.
type Config struct {
	// Dir is the directory where mirror files are written.
	Dir string
	// RetentionDays is how many days of files to keep (default 7).
	RetentionDays int
	// MaxFileSizeMB caps a single file before size rotation (default 100).
	MaxFileSizeMB int
}

// Mirror is the file-backed JSONL audit mirror.
type Mirror struct {
	dir           string
	maxFileSize   int64
	retentionDays int

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	logger *slog.Logger
	cancel context.CancelFunc
}

// New creates the mirror directory if needed, opens today's file, runs
// retention cleanup, and starts the hourly cleanup loop.
func New(cfg Config, logger *slog.Logger) (*Mirror, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit mirror directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format(time.DateOnly)
	if err := m.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit mirror file: %w", err)
	}

	m.runCleanup()
	go m.cleanupLoop(ctx)
	return m, nil
}

// AppendBatch writes each record as one compact JSON line, rotating on date
// and size boundaries.
func (m *Mirror) AppendBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("audit mirror is closed")
	}

	for i := range records {
		rec := &records[i]
		dateStr := rec.Timestamp.UTC().Format(time.DateOnly)
		if dateStr != m.currentDate {
			if err := m.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if m.currentSize >= m.maxFileSize {
			if err := m.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := m.currentFile.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		m.currentSize += int64(n)
	}
	return nil
}

// Flush syncs the current file to disk.
func (m *Mirror) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentFile != nil {
		return m.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup loop and closes the current file.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.cancel()

	if m.currentFile != nil {
		_ = m.currentFile.Sync()
		err := m.currentFile.Close()
		m.currentFile = nil
		return err
	}
	return nil
}

// openCurrentFile opens the file for a date, continuing from the highest
// existing suffix so restarts append rather than overwrite.
func (m *Mirror) openCurrentFile(dateStr string) error {
	suffix := m.findHighestSuffix(dateStr)
	f, size, err := m.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	m.currentFile = f
	m.currentDate = dateStr
	m.currentSize = size
	m.currentSuffix = suffix
	return nil
}

func (m *Mirror) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseMirrorFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

func (m *Mirror) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := m.buildFilename(dateStr, suffix)
	path := filepath.Join(m.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

func (m *Mirror) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.log", dateStr)
	}
	return fmt.Sprintf("audit-%s-%d.log", dateStr, suffix)
}

// rotateDateLocked switches to a fresh file for the new date. Caller holds mu.
func (m *Mirror) rotateDateLocked(dateStr string) error {
	if m.currentFile != nil {
		_ = m.currentFile.Sync()
		_ = m.currentFile.Close()
		m.currentFile = nil
	}
	m.currentSuffix = 0
	m.currentDate = dateStr

	f, size, err := m.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	m.currentFile = f
	m.currentSize = size
	return nil
}

// rotateSizeLocked moves to the next suffix for the current date. Caller
// holds mu.
func (m *Mirror) rotateSizeLocked() error {
	if m.currentFile != nil {
		_ = m.currentFile.Sync()
		_ = m.currentFile.Close()
		m.currentFile = nil
	}
	m.currentSuffix++

	f, size, err := m.openFile(m.currentDate, m.currentSuffix)
	if err != nil {
		return err
	}
	m.currentFile = f
	m.currentSize = size
	return nil
}

// runCleanup deletes mirror files older than the retention period.
func (m *Mirror) runCleanup() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Error("audit mirror cleanup: read directory failed", "dir", m.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -m.retentionDays)
	deleted := 0
	for _, e := range entries {
		info, ok := parseMirrorFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse(time.DateOnly, info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(m.dir, e.Name())); err != nil {
				m.logger.Error("audit mirror cleanup: delete failed", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		m.logger.Info("audit mirror cleanup completed", "deleted", deleted)
	}
}

func (m *Mirror) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCleanup()
		}
	}
}
