package http

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mandategate/mandategate/internal/domain/agent"
)

type requestIDContextKey struct{}
type loggerContextKey struct{}
type agentContextKey struct{}
type ipAddressContextKey struct{}

// RequestIDMiddleware extracts or generates a request ID and enriches the
// logger. The enriched logger travels in the request context.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
			ctx = context.WithValue(ctx, loggerContextKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context, falling back
// to slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware extracts the client's real IP, honouring reverse-proxy
// headers. Only the first X-Forwarded-For entry is trusted.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ipAddressContextKey{}, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Authenticator resolves bearer API keys to agents.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*agent.Agent, error)
}

// BearerAuthMiddleware requires a valid `Authorization: Bearer sk-...`
// header and stores the authenticated agent in the request context. Missing
// header, malformed prefix, unknown key, and inactive agent all return the
// same 401 envelope.
func BearerAuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			rawKey, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || rawKey == "" {
				writeError(w, http.StatusUnauthorized, "missing or malformed bearer token")
				return
			}
			a, err := auth.Authenticate(r.Context(), rawKey)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			ctx := context.WithValue(r.Context(), agentContextKey{}, a)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InactiveAuthenticator resolves bearer keys without the active-status
// check. The resurrect route needs it: a killed agent is inactive but must
// still prove key ownership.
type InactiveAuthenticator interface {
	AuthenticateAny(ctx context.Context, rawKey string) (*agent.Agent, error)
}

// BearerAuthAllowInactive is BearerAuthMiddleware minus the active-status
// requirement.
func BearerAuthAllowInactive(auth InactiveAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			rawKey, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || rawKey == "" {
				writeError(w, http.StatusUnauthorized, "missing or malformed bearer token")
				return
			}
			a, err := auth.AuthenticateAny(r.Context(), rawKey)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			ctx := context.WithValue(r.Context(), agentContextKey{}, a)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentFromContext retrieves the authenticated agent set by the bearer
// middleware. The bool is false on unauthenticated routes.
func AgentFromContext(ctx context.Context) (*agent.Agent, bool) {
	a, ok := ctx.Value(agentContextKey{}).(*agent.Agent)
	return a, ok
}

// AdminAuthMiddleware requires the bootstrap secret as a bearer token on
// the admin surface. Comparison is constant-time.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "admin authorization required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// MetricsMiddleware records request counts and durations. Outermost in the
// chain so it captures the full request duration.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			status := "ok"
			if rec.status >= 400 {
				status = "error"
			}
			m.RequestsTotal.WithLabelValues(r.Method, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		})
	}
}
