package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/planforge/planforge/internal/planning"
)

type updateItemRequest struct {
	Status   string `json:"status"`
	Feedback string `json:"feedback"`
}

func parseItemStatus(raw string) (planning.ItemStatus, bool) {
	switch planning.ItemStatus(strings.TrimSpace(raw)) {
	case planning.ItemProposed:
		return planning.ItemProposed, true
	case planning.ItemApproved:
		return planning.ItemApproved, true
	case planning.ItemRejected:
		return planning.ItemRejected, true
	case planning.ItemChangesRequested:
		return planning.ItemChangesRequested, true
	default:
		return "", false
	}
}

// handleUpdateEpic sets one epic's review status. This is the only path by
// which an epic becomes rejected or changes_requested; batch approval only
// promotes proposed epics.
func (s *Server) handleUpdateEpic(w http.ResponseWriter, r *http.Request) {
	epic, err := s.store.GetEpic(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, planning.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "epic not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", "could not load epic")
		return
	}
	if _, ok := s.ownedProject(w, r, epic.ProjectID); !ok {
		return
	}

	var req updateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	status, ok := parseItemStatus(req.Status)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_status", "status must be proposed, approved, rejected, or changes_requested")
		return
	}

	if err := s.store.UpdateEpicStatus(r.Context(), epic.ID, status, req.Feedback); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "could not update epic")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "Updated",
		"epic_id": epic.ID,
		"status":  status,
	})
}

// handleUpdateStory mirrors handleUpdateEpic for stories.
func (s *Server) handleUpdateStory(w http.ResponseWriter, r *http.Request) {
	story, err := s.store.GetStory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, planning.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "story not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", "could not load story")
		return
	}
	if _, ok := s.ownedProject(w, r, story.ProjectID); !ok {
		return
	}

	var req updateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	status, ok := parseItemStatus(req.Status)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_status", "status must be proposed, approved, rejected, or changes_requested")
		return
	}

	if err := s.store.UpdateStoryStatus(r.Context(), story.ID, status, req.Feedback); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "could not update story")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":  "Updated",
		"story_id": story.ID,
		"status":   status,
	})
}
