package http

import (
	"database/sql"
	"fmt"
	"net/http"
	"runtime"

	"github.com/mandategate/mandategate/internal/service"
)

// PoolStats describes the database connection pool.
type PoolStats struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

// DatabaseHealth is the database section of the health response.
type DatabaseHealth struct {
	Status         string    `json:"status"`
	Pool           PoolStats `json:"pool"`
	MaxConnections int       `json:"maxConnections"`
}

// HealthDetails carries per-component health.
type HealthDetails struct {
	Database DatabaseHealth    `json:"database"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string        `json:"status"`
	Details HealthDetails `json:"details"`
}

// HealthChecker verifies component health.
type HealthChecker struct {
	pinger func(r *http.Request) error
	stats  func() sql.DBStats
	maxDB  int
	audits *service.AuditService
}

// NewHealthChecker creates a HealthChecker over the database probes and the
// audit pipeline. audits may be nil.
func NewHealthChecker(ping func(r *http.Request) error, stats func() sql.DBStats, maxConns int, audits *service.AuditService) *HealthChecker {
	return &HealthChecker{pinger: ping, stats: stats, maxDB: maxConns, audits: audits}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(r *http.Request) HealthResponse {
	healthy := true
	checks := make(map[string]string)

	db := DatabaseHealth{Status: "up", MaxConnections: h.maxDB}
	if err := h.pinger(r); err != nil {
		db.Status = "down"
		healthy = false
	}
	s := h.stats()
	db.Pool = PoolStats{
		Total:   s.OpenConnections,
		Idle:    s.Idle,
		Waiting: int(s.WaitCount),
	}

	if h.audits != nil {
		depth := h.audits.ChannelDepth()
		checks["audit_queue"] = fmt.Sprintf("%d queued", depth)
		if drops := h.audits.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	}
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{
		Status: status,
		Details: HealthDetails{
			Database: db,
			Checks:   checks,
		},
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r)
		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
}
