// Package server is the ops surface: health and status JSON, Prometheus
// metrics, read-only APIs over the store, and the WebSocket alert stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/storage"
)

const (
	defaultPort         = 8080
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	healthCheckTimeout  = 5 * time.Second

	maxListLimit     = 200
	defaultListLimit = 50
)

// Config sizes the HTTP server. Zero fields take defaults.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HealthCheck probes one component. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Deps wires the server to the rest of the pipeline.
type Deps struct {
	Store   *storage.Store
	Hub     *Hub
	Checks  map[string]HealthCheck
	Status  func() map[string]interface{}
	Tracked func() []core.TrackedToken
	Metrics http.Handler
}

// Server owns the router and the listener.
type Server struct {
	cfg     Config
	hub     *Hub
	httpSrv *http.Server
	router  *mux.Router
	start   time.Time
}

// New builds the router and the listener without starting it.
func New(cfg Config, deps Deps) *Server {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	s := &Server{
		cfg:   cfg,
		hub:   deps.Hub,
		start: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", getHealth(deps.Checks)).Methods("GET")
	router.HandleFunc("/status", s.getStatus(deps.Status)).Methods("GET")

	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Handle("/metrics", metricsHandler).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/alerts/recent", getRecentAlerts(deps.Store)).Methods("GET")
	api.HandleFunc("/analyses/recent", getRecentAnalyses(deps.Store)).Methods("GET")
	api.HandleFunc("/tokens/tracked", getTrackedTokens(deps.Tracked)).Methods("GET")
	api.HandleFunc("/stats", getStoreStats(deps.Store)).Methods("GET")

	if deps.Hub != nil {
		router.HandleFunc("/ws/alerts", deps.Hub.HandleWebSocket)
	}

	router.Use(corsMiddleware)
	router.Use(loggingMiddleware)

	s.router = router
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks on the listener until Shutdown or a listen failure.
func (s *Server) Start() error {
	slog.Info("ops server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// ============================================================================
// HANDLERS
// ============================================================================

func getHealth(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		components := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				components[name] = err.Error()
				healthy = false
			} else {
				components[name] = "ok"
			}
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"service":    "mintwatch",
			"status":     status,
			"components": components,
		})
	}
}

func (s *Server) getStatus(statusFn func() map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"service":        "mintwatch",
			"started_at":     s.start,
			"uptime_seconds": int(time.Since(s.start).Seconds()),
		}
		if s.hub != nil {
			body["stream"] = s.hub.Stats()
		}
		if statusFn != nil {
			for k, v := range statusFn() {
				body[k] = v
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func getRecentAlerts(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := store.GetRecentAlerts(r.Context(), queryLimit(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":  len(rows),
			"alerts": rows,
		})
	}
}

func getRecentAnalyses(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		minutes := queryInt(r, "minutes", 60, 1, 24*60)
		since := time.Now().Add(-time.Duration(minutes) * time.Minute)

		rows, err := store.GetRecentAnalyses(r.Context(), since, queryLimit(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":    len(rows),
			"analyses": rows,
		})
	}
}

func getTrackedTokens(tracked func() []core.TrackedToken) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokens := []core.TrackedToken{}
		if tracked != nil {
			tokens = tracked()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":  len(tokens),
			"tokens": tokens,
		})
	}
}

func getStoreStats(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func queryLimit(r *http.Request) int {
	return queryInt(r, "limit", defaultListLimit, 1, maxListLimit)
}

func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return def
	}
	if n > max {
		return max
	}
	return n
}
