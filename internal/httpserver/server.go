package httpserver

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/codeblabdev-max/codeb-server-sub006/internal/config"
	"github.com/codeblabdev-max/codeb-server-sub006/internal/version"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Redis     *redis.Client
	baseDir   string
	startedAt time.Time
}

// NewServer wires the single JSON-envelope endpoint (spec §6) plus
// health/ready/metrics, mounting deps' tool dispatcher at the API root.
func NewServer(cfg *config.Config, logger *slog.Logger, rdb *redis.Client, metricsReg *prometheus.Registry, deps *Deps) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Redis:     rdb,
		baseDir:   cfg.BaseDir,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/status", s.handleStatus)

	// The single JSON-envelope endpoint (spec §6): one tool per request.
	s.Router.Post("/", deps.ToolHandler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz checks the two things the control plane cannot operate
// without: the Redis-backed control lock, and a writable registry
// directory. Neither the remote executor's fleet nor the proxy are
// pinged here — those failures surface per-operation, not at the
// process level.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	probePath := filepath.Join(s.baseDir, "registry", ".readyz-probe")
	if err := os.MkdirAll(filepath.Dir(probePath), 0o755); err != nil {
		s.Logger.Error("readiness check: registry directory not writable", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "registry directory not writable")
		return
	}
	if err := os.WriteFile(probePath, []byte("ok"), 0o644); err != nil {
		s.Logger.Error("readiness check: registry directory not writable", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "registry directory not writable")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	CommitSHA      string  `json:"commit_sha"`
	Uptime         string  `json:"uptime"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	Redis          string  `json:"redis"`
	RedisLatencyMs float64 `json:"redis_latency_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	redisStart := time.Now()
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: redis ping failed", "error", err)
		resp.Redis = "error"
	} else {
		resp.Redis = "ok"
	}
	resp.RedisLatencyMs = time.Since(redisStart).Seconds() * 1000

	if resp.Redis == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}
