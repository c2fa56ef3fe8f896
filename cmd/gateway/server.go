package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"go.uber.org/atomic"

	"scg/pkg/audit"
	"scg/pkg/auth"
	"scg/pkg/config"
	"scg/pkg/gateway"
	"scg/pkg/httpx"
	"scg/pkg/metrics"
	"scg/pkg/ratelimit"
	"scg/pkg/replay"
	"scg/pkg/stream"
)

type auditReader interface {
	Get(ctx context.Context, requestID string) (audit.Entry, error)
}

// Server holds the wired gateway for the lifetime of the process.
type Server struct {
	Settings     config.Settings
	Log          *slog.Logger
	Metrics      *metrics.Registry
	Events       *stream.Hub
	Trust        *config.Trust
	Pipeline     *gateway.Pipeline
	MemoryLedger *replay.MemoryLedger
	AuditReader  auditReader
	// Pingers are checked by /readyz in addition to the ready flag.
	Pingers map[string]func(context.Context) error

	ready   atomic.Bool
	closers []func() error
}

func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Log.Warn("close failed", "err", err)
		}
	}
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.Log, next)
}

func (s *Server) routes(limiter ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)

	r.With(s.httpLogger).Get("/healthz", s.healthz)
	r.With(s.httpLogger).Get("/readyz", s.readyz)
	r.With(
		s.httpLogger,
		httpx.LimitBodyMiddleware(s.Settings.MaxRequestBodyBytes),
		gateway.RateLimit(s.Pipeline, limiter, s.Settings.RateLimitPerMinute),
	).Post("/command", s.Pipeline.Handler())

	mode := s.Settings.AdminAuthMode
	r.Group(func(admin chi.Router) {
		admin.Use(auth.Middleware(mode, s.Settings.AdminJWTSecret,
			auth.WithIssuer(s.Settings.AdminJWTIssuer),
			auth.WithAudience(s.Settings.AdminJWTAudience),
		))
		admin.With(auth.RequireAnyRole(mode, "auditor", "securityadmin", "platformengineer")).
			Method(http.MethodGet, "/metrics", s.Metrics.Handler())
		admin.With(auth.RequireAnyRole(mode, "operator", "auditor", "securityadmin")).
			Get("/v1/stream", stream.Handler(s.Events, stream.OriginPatterns(s.Settings.StreamOrigins), s.Log))
		admin.With(s.httpLogger, auth.RequireAnyRole(mode, "auditor", "securityadmin")).
			Get("/v1/audit/{request_id}", s.getAudit)
		admin.With(s.httpLogger, auth.RequireAnyRole(mode, "auditor", "securityadmin")).
			Get("/v1/trust", s.listTrust)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{}
	ok := true
	for name, ping := range s.Pingers {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ok = false
			continue
		}
		checks[name] = "ok"
	}
	if !ok {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": checks})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.AuditReader == nil {
		httpx.Error(w, http.StatusNotImplemented, "audit lookup requires AUDIT_SINK=postgres")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "request_id"))
	if id == "" {
		httpx.Error(w, http.StatusBadRequest, "request_id required")
		return
	}
	e, err := s.AuditReader.Get(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.Log.Error("audit lookup failed", "request_id", id, "err", err)
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, e)
}

type trustedIdentity struct {
	Identity string   `json:"identity"`
	Source   string   `json:"key_source"`
	Commands []string `json:"commands"`
}

func (s *Server) listTrust(w http.ResponseWriter, _ *http.Request) {
	out := []trustedIdentity{}
	if s.Trust != nil {
		for _, id := range s.Trust.Policy.Identities() {
			cmds := []string{}
			for _, c := range s.Trust.Policy.Allowed(id) {
				cmds = append(cmds, c.String())
			}
			out = append(out, trustedIdentity{Identity: id, Source: s.Trust.Sources[id], Commands: cmds})
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"freshness_window_sec": s.Pipeline.Freshness.Window.Seconds(),
		"identities":           out,
	})
}

// metricsLoop publishes gauges that are sampled rather than counted inline.
func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = s.syncStreamDropped(last)
		}
	}
}

func (s *Server) syncStreamDropped(last uint64) uint64 {
	if s.Events == nil {
		return last
	}
	cur := s.Events.Dropped()
	if cur > last {
		s.Metrics.AddStreamDropped(cur - last)
	}
	return cur
}
