// Package httpapi is the daemon's front door: a thin JSON layer over
// the orchestrator, registry and state store. It holds no business
// logic of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobmill/internal/orchestrator"
	"jobmill/internal/registry"
	"jobmill/internal/state"
	logx "jobmill/pkg/logx"
)

type Server struct {
	Orch  *orchestrator.Orchestrator
	Store *state.Store
	Reg   *registry.Registry
	Log   logx.Logger

	// AuthToken enables bearer auth when non-empty.
	AuthToken string

	// Sources supplies the declarative sync list (hot-reloadable, so a
	// function rather than a snapshot).
	Sources func() []registry.Source

	// DefaultMaxDuration supplies the fallback duration limit for jobs
	// started without one. Empty means unbounded.
	DefaultMaxDuration func() string
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.auth)

	r.Get("/status", s.handleStatus)

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", s.handleListModules)
		r.Post("/install", s.handleInstallModule)
		r.Post("/install-git", s.handleInstallGit)
		r.Post("/sync", s.handleSyncModules)
		r.Get("/{id}", s.handleGetModule)
		r.Delete("/{id}", s.handleUninstallModule)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleStartJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/stop", s.handleStopJob)
		r.Get("/{id}/logs", s.handleJobLogs)
		r.Get("/{id}/logs/stream", s.handleJobLogStream)
		r.Get("/{id}/results", s.handleJobResults)
	})

	return r
}

// ListenAndServe runs the API until ctx is cancelled, then drains with
// a short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.Log.Info("http api listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.AuthToken {
				writeErr(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

// writeFailure maps domain errors onto HTTP codes.
func writeFailure(w http.ResponseWriter, err error) {
	var verr *registry.ValidationError
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.As(err, &verr):
		writeErr(w, http.StatusBadRequest, err)
	case errors.Is(err, orchestrator.ErrNotRunning):
		writeErr(w, http.StatusConflict, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &registry.ValidationError{Msg: "invalid request body: " + err.Error()}
	}
	return nil
}
