package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/planforge/planforge/internal/auth"
	"github.com/planforge/planforge/internal/config"
	"github.com/planforge/planforge/internal/jobs"
	"github.com/planforge/planforge/internal/observability"
	"github.com/planforge/planforge/internal/planning"
	"github.com/planforge/planforge/internal/runs"
	"github.com/planforge/planforge/internal/session"
)

type Server struct {
	cfg      config.Config
	store    planning.Store
	runs     *runs.Service
	executor *jobs.Executor
	tokens   *auth.Tokens
	metrics  *observability.Metrics
	epics    *session.Controller
	stories  *session.Controller
	specs    *session.Controller
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store planning.Store, runSvc *runs.Service, executor *jobs.Executor, tokens *auth.Tokens, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		runs:     runSvc,
		executor: executor,
		tokens:   tokens,
		metrics:  metrics,
		epics:    session.NewController(session.ScopeEpics, runSvc, store, executor, metrics),
		stories:  session.NewController(session.ScopeStories, runSvc, store, executor, metrics),
		specs:    session.NewController(session.ScopeSpecs, runSvc, store, executor, metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/auth/signup", s.handleSignup)
	r.Post("/v1/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/v1/projects", s.handleCreateProject)
		r.Get("/v1/projects", s.handleListProjects)
		r.Get("/v1/projects/{id}", s.handleGetProject)
		r.Post("/v1/projects/{id}/runs/research", s.handleStartResearch)
		r.Patch("/v1/epics/{id}", s.handleUpdateEpic)
		r.Patch("/v1/stories/{id}", s.handleUpdateStory)
		r.Get("/v1/projects/{id}/research/latest", s.handleLatestResearch)
		r.Get("/v1/runs/{id}", s.handleGetRun)
		r.Get("/v1/runs/{id}/events", s.handleListRunEvents)
		r.Get("/v1/runs/{id}/research", s.handleRunResearch)
	})

	// Websocket auth rides in the token query parameter; the handlers close
	// with a policy violation instead of responding 401.
	r.Get("/ws/runs/{run_id}", s.handleRunWS)
	r.Get("/ws/projects/{project_id}/epics", s.scopeWS(s.epics))
	r.Get("/ws/projects/{project_id}/stories", s.scopeWS(s.stories))
	r.Get("/ws/projects/{project_id}/specs", s.scopeWS(s.specs))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) storeMode() string {
	if s.cfg.DatabaseURL == "" {
		return "in-memory"
	}
	return "postgres"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
