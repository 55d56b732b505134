// Package http implements the collaborator-facing HTTP surface: the SSE
// event relay, the manual sync trigger and sync status listing, and the
// health check. Everything rides the stdlib mux; the only middleware is
// request logging and panic recovery.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	syncdom "github.com/guildhub/guild-sync-hub/internal/domain/sync"
	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/queue"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds the HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout time.Duration
	IdleTimeout time.Duration

	// SyncTriggerPerMinute is the per-IP rate limit on manual sync triggers.
	SyncTriggerPerMinute int

	// HeartbeatInterval paces SSE keep-alive comments.
	HeartbeatInterval time.Duration

	// GuildStreamMaxAge and FeedStreamMaxAge bound SSE connection lifetimes
	// so dead clients cannot hold subscriptions forever.
	GuildStreamMaxAge time.Duration
	FeedStreamMaxAge  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:                 "0.0.0.0",
		Port:                 8080,
		ReadTimeout:          15 * time.Second,
		IdleTimeout:          60 * time.Second,
		SyncTriggerPerMinute: 5,
		HeartbeatInterval:    30 * time.Second,
		GuildStreamMaxAge:    30 * time.Minute,
		FeedStreamMaxAge:     10 * time.Minute,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server is the API HTTP server.
type Server struct {
	config    Config
	guilds    guild.Repository
	jobs      syncdom.JobRepository
	cache     *cache.Cache
	schedules *queue.Schedules
	limiter   *ipRateLimiter
	guildInfo *guildInfoCache
	logger    *slog.Logger

	httpServer *http.Server
}

// NewServer creates a new Server.
func NewServer(
	config Config,
	guilds guild.Repository,
	jobs syncdom.JobRepository,
	c *cache.Cache,
	schedules *queue.Schedules,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    config,
		guilds:    guilds,
		jobs:      jobs,
		cache:     c,
		schedules: schedules,
		limiter:   newIPRateLimiter(config.SyncTriggerPerMinute),
		guildInfo: newGuildInfoCache(guilds, cache.TTLGuildSummary),
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /guilds/{id}/events", s.handleGuildEvents)
	mux.HandleFunc("GET /activity/events", s.handleActivityFeed)
	mux.HandleFunc("POST /guilds/{id}/sync", s.handleTriggerSync)
	mux.HandleFunc("GET /guilds/{id}/sync", s.handleSyncStatus)

	s.httpServer = &http.Server{
		Addr:        config.Addr(),
		Handler:     s.withMiddleware(mux),
		ReadTimeout: config.ReadTimeout,
		IdleTimeout: config.IdleTimeout,
		// WriteTimeout stays zero: SSE streams are long-lived by design and
		// get their lifetime bounds from the handler contexts instead.
	}

	return s
}

// ListenAndServe starts the server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api server listening", "addr", s.config.Addr())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler. Used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ──────────────────────────────────────────────────────────────────────────────
// Middleware
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					"method", r.Method, "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()

		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Health
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if err := s.cache.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": status})
}

// ──────────────────────────────────────────────────────────────────────────────
// JSON helpers
// ──────────────────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// clientIP extracts the caller's IP, honoring the usual proxy header.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
