// Package server is the daemon's HTTP surface: hook ingestion for coding
// agents, an OTLP log bridge, and the status/admin endpoints the sync
// orchestrator drives.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/ingest"
	"github.com/oakci/oak/internal/memory"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/pkg/cache"
)

// SessionSummarizer generates a session's summary and title after it ends.
type SessionSummarizer interface {
	SummarizeSession(ctx context.Context, sessionID string) error
}

// StatsProvider reports dual-store counts for the injection payload.
type StatsProvider interface {
	GetStats() (*memory.Stats, error)
}

// dedupTTL bounds how long a hook delivery is considered a duplicate.
const dedupTTL = 5 * time.Minute

// Server wires the hook endpoints to the ingest pipeline.
type Server struct {
	db         *sql.DB
	ingestor   *ingest.Ingestor
	stats      StatsProvider
	summarizer SessionSummarizer
	cfg        app.HTTPSettings

	dedup    *cache.LRU
	shutdown chan struct{}
	httpSrv  *http.Server
}

// New builds the server. stats and summarizer may be nil; the corresponding
// response fields are then omitted.
func New(db *sql.DB, ingestor *ingest.Ingestor, stats StatsProvider, summarizer SessionSummarizer, cfg app.HTTPSettings) *Server {
	s := &Server{
		db:         db,
		ingestor:   ingestor,
		stats:      stats,
		summarizer: summarizer,
		cfg:        cfg,
		dedup:      cache.NewLRU(1024, dedupTTL),
		shutdown:   make(chan struct{}, 1),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Liveness stays unauthenticated so process managers can probe it.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Post("/v1/admin/shutdown", s.handleShutdown)
		r.Post("/v1/logs", s.handleOTLPLogs)
		r.Route("/hooks", func(r chi.Router) {
			r.Post("/session-start", s.handleSessionStart)
			r.Post("/session-end", s.handleSessionEnd)
			r.Post("/prompt-submit", s.handlePromptSubmit)
			r.Post("/post-tool-use", s.handlePostToolUse)
		})
	})
	return r
}

// ShutdownRequests signals when an admin shutdown was requested.
func (s *Server) ShutdownRequests() <-chan struct{} { return s.shutdown }

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("hook server listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.AuthToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start).Round(time.Microsecond))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"version":        app.Version,
		"schema_version": store.LatestSchemaVersion(),
	}
	if n, err := store.CountSessions(s.db); err == nil {
		resp["sessions"] = n
	}
	if n, err := store.CountUnprocessedBatches(s.db); err == nil {
		resp["unprocessed_batches"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	select {
	case s.shutdown <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
