package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/planforge/planforge/internal/planning"
)

type createProjectRequest struct {
	ProductRequest string `json:"product_request"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
		return
	}

	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	req.ProductRequest = strings.TrimSpace(req.ProductRequest)
	if req.ProductRequest == "" {
		respondError(w, http.StatusBadRequest, "missing_product_request", "product_request is required")
		return
	}

	project := planning.Project{
		ID:             uuid.NewString(),
		OwnerID:        claims.UserID,
		ProductRequest: req.ProductRequest,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "could not create project")
		return
	}
	respondJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
		return
	}
	projects, err := s.store.ListProjects(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "could not list projects")
		return
	}
	if projects == nil {
		projects = []planning.Project{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.ownedProject(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, project)
}

// ownedProject loads the project and checks that the caller owns it. Admins
// may read any project. On failure it writes the error response itself.
func (s *Server) ownedProject(w http.ResponseWriter, r *http.Request, projectID string) (planning.Project, bool) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
		return planning.Project{}, false
	}
	project, err := s.store.GetProject(r.Context(), strings.TrimSpace(projectID))
	if err != nil {
		if errors.Is(err, planning.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "project not found")
			return planning.Project{}, false
		}
		respondError(w, http.StatusInternalServerError, "store_error", "could not load project")
		return planning.Project{}, false
	}
	if project.OwnerID != claims.UserID && claims.Role != string(planning.RoleAdmin) {
		// A 404 hides the existence of other users' projects.
		respondError(w, http.StatusNotFound, "not_found", "project not found")
		return planning.Project{}, false
	}
	return project, true
}
