package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"jobmill/internal/module"
	"jobmill/internal/registry"
	"jobmill/internal/state"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Orch.Status(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ---- modules ----

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	mods, err := s.Store.ListModules(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if mods == nil {
		mods = []state.ModuleSummary{}
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	m, err := s.Store.GetModule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleInstallModule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeErr(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	m, err := s.Reg.Install(r.Context(), req.Path)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleInstallGit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo   string `json:"repo"`
		Subdir string `json:"subdir,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if strings.TrimSpace(req.Repo) == "" {
		writeErr(w, http.StatusBadRequest, errors.New("repo is required"))
		return
	}
	m, err := s.Reg.InstallFromGit(r.Context(), req.Repo, req.Subdir)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleSyncModules(w http.ResponseWriter, r *http.Request) {
	var sources []registry.Source
	if s.Sources != nil {
		sources = s.Sources()
	}
	report := s.Reg.Sync(r.Context(), sources)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleUninstallModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existed, err := s.Reg.Uninstall(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !existed {
		writeErr(w, http.StatusNotFound, errors.New("module "+id+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uninstalled": id})
}

// ---- jobs ----

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModuleID    string        `json:"module_id"`
		Inputs      module.Values `json:"inputs,omitempty"`
		Settings    module.Values `json:"settings,omitempty"`
		Checkpoint  module.Values `json:"checkpoint,omitempty"`
		MaxDuration string        `json:"max_duration,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if strings.TrimSpace(req.ModuleID) == "" {
		writeErr(w, http.StatusBadRequest, errors.New("module_id is required"))
		return
	}
	if req.MaxDuration == "" && s.DefaultMaxDuration != nil {
		req.MaxDuration = s.DefaultMaxDuration()
	}

	jobID, err := s.Orch.StartJob(r.Context(), req.ModuleID, req.Inputs, req.Settings, req.Checkpoint, req.MaxDuration)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := state.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeErr(w, http.StatusBadRequest, errors.New("invalid status filter"))
		return
	}
	jobs, err := s.Store.ListJobs(r.Context(), status)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if jobs == nil {
		jobs = []state.JobSummary{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Orch.StopJob(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": id})
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	afterID, err := queryInt64(r, "after_id", 0)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	logs, lerr := s.Store.Logs(r.Context(), chi.URLParam(r, "id"), limit, afterID)
	if lerr != nil {
		writeFailure(w, lerr)
		return
	}
	if logs == nil {
		logs = []state.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 1000)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")

	results, rerr := s.Store.Results(r.Context(), id, limit)
	if rerr != nil {
		writeFailure(w, rerr)
		return
	}
	total, rerr := s.Store.ResultCount(r.Context(), id)
	if rerr != nil {
		writeFailure(w, rerr)
		return
	}
	if results == nil {
		results = []state.ResultEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   total,
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}

func queryInt64(r *http.Request, key string, def int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}
