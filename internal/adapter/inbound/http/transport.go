package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mandategate/mandategate/internal/domain/audit"
	"github.com/mandategate/mandategate/internal/service"
)

// validate is the shared request validator.
var validate = validator.New()

// Server is the inbound HTTP adapter: routing, middleware, and the JSON
// surface over the application services.
type Server struct {
	agents   *service.AgentService
	policies *service.PolicyAdminService
	rules    *service.RuleAdminService
	issuance *service.IssuanceService
	kills    *service.KillService
	audits   audit.Store

	addr        string
	adminSecret string
	logger      *slog.Logger
	health      *HealthChecker
	metrics     *Metrics
	reg         *prometheus.Registry
	server      *http.Server
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:3000".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithAdminSecret protects the admin surface with the bootstrap secret.
// Without it every admin route is open; only tests run that way.
func WithAdminSecret(secret string) Option {
	return func(s *Server) { s.adminSecret = secret }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHealthChecker sets the /health handler backend.
func WithHealthChecker(h *HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// NewServer creates the HTTP server over the application services.
func NewServer(agents *service.AgentService, policies *service.PolicyAdminService,
	rules *service.RuleAdminService, issuance *service.IssuanceService,
	kills *service.KillService, audits audit.Store, auditDrops func() float64, opts ...Option) *Server {

	s := &Server{
		agents:   agents,
		policies: policies,
		rules:    rules,
		issuance: issuance,
		kills:    kills,
		audits:   audits,
		addr:     "127.0.0.1:3000",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.reg = prometheus.NewRegistry()
	s.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.reg, auditDrops)
	return s
}

// Handler builds the full routing table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := BearerAuthMiddleware(s.agents)

	// The admin surface requires the bootstrap secret when configured.
	admin := func(h http.HandlerFunc) http.Handler {
		if s.adminSecret == "" {
			return h
		}
		return AdminAuthMiddleware(s.adminSecret)(h)
	}

	// Agent registry.
	mux.Handle("POST /agents", admin(s.handleCreateAgent))
	mux.Handle("GET /agents", admin(s.handleListAgents))
	mux.Handle("GET /agents/{id}", admin(s.handleGetAgent))
	mux.Handle("PUT /agents/{id}", admin(s.handleUpdateAgent))
	mux.Handle("DELETE /agents/{id}", admin(s.handleDeleteAgent))
	mux.Handle("POST /agents/{id}/kill", authed(http.HandlerFunc(s.handleKillAgent)))
	mux.HandleFunc("GET /agents/{id}/kill-status", s.handleKillStatus)
	mux.Handle("POST /agents/{id}/resurrect", BearerAuthAllowInactive(s.agents)(http.HandlerFunc(s.handleResurrectAgent)))

	// Policies and rules.
	mux.Handle("POST /policies", admin(s.handleCreatePolicy))
	mux.Handle("GET /policies", admin(s.handleListPolicies))
	mux.Handle("GET /policies/{id}", admin(s.handleGetPolicy))
	mux.Handle("PUT /policies/{id}", admin(s.handleUpdatePolicy))
	mux.Handle("DELETE /policies/{id}", admin(s.handleDeletePolicy))
	mux.Handle("POST /rules", admin(s.handleCreateRule))
	mux.Handle("GET /rules", admin(s.handleListRules))
	mux.Handle("GET /rules/{id}", admin(s.handleGetRule))
	mux.Handle("PUT /rules/{id}", admin(s.handleUpdateRule))
	mux.Handle("DELETE /rules/{id}", admin(s.handleDeleteRule))

	// Mandates and audit require the agent's own key.
	mux.Handle("POST /mandates/issue", authed(http.HandlerFunc(s.handleIssueMandate)))
	mux.Handle("GET /mandates/{id}", authed(http.HandlerFunc(s.handleGetMandate)))
	mux.Handle("POST /audit", authed(http.HandlerFunc(s.handleAppendAudit)))
	mux.Handle("POST /audit/bulk", authed(http.HandlerFunc(s.handleAppendAuditBulk)))
	mux.Handle("GET /audit", authed(http.HandlerFunc(s.handleQueryAudit)))

	if s.health != nil {
		mux.Handle("GET /health", s.health.Handler())
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg}))

	var handler http.Handler = mux
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// Start begins accepting connections and blocks until ctx is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.Close()
	case err := <-errCh:
		return err
	}
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// decodeAndValidate parses a JSON body into dst and runs struct validation.
// Validation failures are written as a message array.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			messages := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				messages = append(messages, fe.Field()+" failed "+fe.Tag()+" validation")
			}
			writeError(w, http.StatusBadRequest, messages)
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
