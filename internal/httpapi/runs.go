package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/planforge/planforge/internal/planning"
	"github.com/planforge/planforge/internal/runs"
)

func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	project, ok := s.ownedProject(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	run, err := s.executor.SubmitResearch(project.ID)
	if err != nil {
		if errors.Is(err, planning.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "project not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "run_error", "could not start research run")
		return
	}
	// The run executes in the background; the caller follows it over
	// /ws/runs/{run_id} or polls /v1/runs/{id}.
	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleLatestResearch(w http.ResponseWriter, r *http.Request) {
	project, ok := s.ownedProject(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	appendix, err := s.store.LatestResearch(r.Context(), project.ID)
	if err != nil {
		if errors.Is(err, planning.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "no research appendix yet")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", "could not load research")
		return
	}
	respondJSON(w, http.StatusOK, appendix)
}

// ownedRun loads the run and checks project ownership through the run's
// project. On failure it writes the error response itself.
func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request, runID string) (runs.Run, bool) {
	run, err := s.runs.Get(r.Context(), strings.TrimSpace(runID))
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "run not found")
			return runs.Run{}, false
		}
		respondError(w, http.StatusInternalServerError, "store_error", "could not load run")
		return runs.Run{}, false
	}
	if _, ok := s.ownedProject(w, r, run.ProjectID); !ok {
		return runs.Run{}, false
	}
	return run, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	history, err := s.runs.History(r.Context(), run.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "could not load run events")
		return
	}
	if history == nil {
		history = []runs.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "events": history})
}

func (s *Server) handleRunResearch(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	appendix, err := s.store.ResearchByRun(r.Context(), run.ID)
	if err != nil {
		if errors.Is(err, planning.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "run has no research appendix")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", "could not load research")
		return
	}
	respondJSON(w, http.StatusOK, appendix)
}
