// Package server exposes a read-only HTTP status API over the run store:
// run history, individual run records, and the pipelines a project
// defines. It backs the `ductile serve` command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ductile-io/ductile/internal/project"
	"github.com/ductile-io/ductile/internal/storage"
)

// Config assembles a Server.
type Config struct {
	Port    int
	Store   storage.RunStore
	Project *project.Project
	Logger  *slog.Logger
}

// Server serves the status API.
type Server struct {
	Router *chi.Mux
	port   int
	store  storage.RunStore
	logger *slog.Logger

	mu   sync.RWMutex
	proj *project.Project

	http *http.Server
}

// New creates a server with its routes mounted.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		port:   cfg.Port,
		store:  cfg.Store,
		logger: logger,
		proj:   cfg.Project,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "ductile-server")
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/runs", s.handleListRuns)
	r.Get("/api/runs/{id}", s.handleGetRun)
	r.Get("/api/pipelines", s.handleListPipelines)

	s.Router = r
	return s
}

// SetProject swaps the project snapshot served by /api/pipelines; used by
// the project-file watcher.
func (s *Server) SetProject(proj *project.Project) {
	s.mu.Lock()
	s.proj = proj
	s.mu.Unlock()
}

func (s *Server) project() *project.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proj
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting status server", slog.Int("port", s.port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	proj := s.project()
	if proj == nil {
		writeJSON(w, http.StatusOK, map[string]any{"pipelines": []string{}})
		return
	}
	names := proj.PipelineNames()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": names})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
