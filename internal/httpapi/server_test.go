package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planforge/planforge/internal/auth"
	"github.com/planforge/planforge/internal/config"
	"github.com/planforge/planforge/internal/events"
	"github.com/planforge/planforge/internal/generation"
	"github.com/planforge/planforge/internal/jobs"
	"github.com/planforge/planforge/internal/planning"
	"github.com/planforge/planforge/internal/runs"
)

type stubSearcher struct{}

func (stubSearcher) Search(_ context.Context, query string) (generation.SearchResult, error) {
	return generation.SearchResult{
		Query:  query,
		Answer: "Found prior art for " + query + ".",
		Results: []generation.SearchItem{
			{Title: "Reference", URL: "https://example.com/" + strings.ReplaceAll(query, " ", "-"), Content: "notes", Score: 0.9},
		},
	}, nil
}

type testAPI struct {
	ts     *httptest.Server
	runs   *runs.Service
	store  planning.Store
	client *http.Client
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	cfg := config.Config{AllowAnyOrigin: true}
	tokens, err := auth.NewTokens("unit-test-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	store := planning.NewMemoryStore()
	broker := events.NewBroker(64)
	runSvc := runs.NewService(runs.NewMemoryStore(), broker, nil)
	planner := generation.NewPlanner("", "", "")
	executor := jobs.NewExecutor(runSvc, store, stubSearcher{}, planner, planner, planner, nil, 5*time.Second)

	srv := New(cfg, store, runSvc, executor, tokens, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		executor.Close()
		broker.Close()
	})

	return &testAPI{ts: ts, runs: runSvc, store: store, client: ts.Client()}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp, decoded
}

func (a *testAPI) signup(t *testing.T, email string) string {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":    email,
		"password": "horse-staple-9",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d, body %v", resp.StatusCode, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("signup returned no token: %v", body)
	}
	return token
}

func (a *testAPI) createProject(t *testing.T, token, request string) string {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/v1/projects", token, map[string]string{
		"product_request": request,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project status = %d, body %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("project has no id: %v", body)
	}
	return id
}

func TestSignupAndLogin(t *testing.T) {
	api := newTestAPI(t)

	api.signup(t, "alice@example.com")

	resp, _ := api.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":    "Alice@Example.com",
		"password": "horse-staple-9",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate signup status = %d, want 409", resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":    "bob@example.com",
		"password": "short",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("weak password status = %d, want 400", resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password-1",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", resp.StatusCode)
	}

	resp, body := api.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "horse-staple-9",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	if body["token_type"] != "bearer" || body["access_token"] == "" {
		t.Fatalf("unexpected login body: %v", body)
	}
}

func TestProjectOwnership(t *testing.T) {
	api := newTestAPI(t)
	alice := api.signup(t, "alice@example.com")
	bob := api.signup(t, "bob@example.com")

	projectID := api.createProject(t, alice, "a trip planner for cyclists")

	resp, body := api.do(t, http.MethodGet, "/v1/projects/"+projectID, alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner get status = %d", resp.StatusCode)
	}
	if body["product_request"] != "a trip planner for cyclists" {
		t.Fatalf("unexpected project body: %v", body)
	}

	resp, _ = api.do(t, http.MethodGet, "/v1/projects/"+projectID, bob, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user get status = %d, want 404", resp.StatusCode)
	}

	resp, body = api.do(t, http.MethodGet, "/v1/projects", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if projects, ok := body["projects"].([]any); !ok || len(projects) != 0 {
		t.Fatalf("bob should see no projects, got %v", body)
	}

	req, _ := http.NewRequest(http.MethodGet, api.ts.URL+"/v1/projects", nil)
	resp2, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("unauthenticated request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp2.StatusCode)
	}
}

func TestResearchRunLifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := api.signup(t, "alice@example.com")
	projectID := api.createProject(t, token, "a recipe sharing app")

	resp, body := api.do(t, http.MethodPost, "/v1/projects/"+projectID+"/runs/research", token, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start research status = %d, body %v", resp.StatusCode, body)
	}
	runID, _ := body["id"].(string)
	if runID == "" {
		t.Fatalf("research run has no id: %v", body)
	}

	deadline := time.Now().Add(3 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		resp, body = api.do(t, http.MethodGet, "/v1/runs/"+runID, token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get run status = %d", resp.StatusCode)
		}
		status, _ = body["status"].(string)
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("run status = %q, want completed", status)
	}

	resp, body = api.do(t, http.MethodGet, "/v1/runs/"+runID+"/events", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	evts, _ := body["events"].([]any)
	if len(evts) == 0 {
		t.Fatal("expected persisted run events")
	}
	last, _ := evts[len(evts)-1].(map[string]any)
	if last["event_type"] != "research.completed" {
		t.Fatalf("last event = %v, want research.completed", last["event_type"])
	}

	resp, body = api.do(t, http.MethodGet, "/v1/runs/"+runID+"/research", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run research status = %d", resp.StatusCode)
	}
	if md, _ := body["markdown"].(string); !strings.Contains(md, "# Research Appendix") {
		t.Fatalf("unexpected appendix markdown: %q", md)
	}

	resp, _ = api.do(t, http.MethodGet, "/v1/projects/"+projectID+"/research/latest", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest research status = %d", resp.StatusCode)
	}
}

func TestUpdateItemStatus(t *testing.T) {
	api := newTestAPI(t)
	alice := api.signup(t, "alice@example.com")
	bob := api.signup(t, "bob@example.com")
	projectID := api.createProject(t, alice, "a recipe sharing app")

	ctx := context.Background()
	now := time.Now().UTC()
	batch := planning.EpicBatch{ID: "b1", ProjectID: projectID, Status: planning.BatchGenerated, CreatedAt: now}
	epic := planning.Epic{ID: "e1", ProjectID: projectID, BatchID: "b1", Title: "Recipe CRUD", Status: planning.ItemProposed, CreatedAt: now}
	if err := api.store.CreateEpicBatch(ctx, batch, []planning.Epic{epic}); err != nil {
		t.Fatalf("seed epic batch: %v", err)
	}
	storyBatch := planning.StoryBatch{ID: "sb1", ProjectID: projectID, EpicID: "e1", Status: planning.BatchGenerated, CreatedAt: now}
	story := planning.Story{ID: "s1", ProjectID: projectID, EpicID: "e1", BatchID: "sb1", Statement: "As a cook...", Status: planning.ItemProposed, CreatedAt: now}
	if err := api.store.CreateStoryBatch(ctx, storyBatch, []planning.Story{story}); err != nil {
		t.Fatalf("seed story batch: %v", err)
	}

	resp, body := api.do(t, http.MethodPatch, "/v1/epics/e1", alice, map[string]string{
		"status":   "rejected",
		"feedback": "too broad, split it",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch epic status = %d, body %v", resp.StatusCode, body)
	}
	got, err := api.store.GetEpic(ctx, "e1")
	if err != nil {
		t.Fatalf("reload epic: %v", err)
	}
	if got.Status != planning.ItemRejected || got.Feedback != "too broad, split it" {
		t.Fatalf("epic after patch = %q/%q, want rejected with feedback", got.Status, got.Feedback)
	}

	resp, _ = api.do(t, http.MethodPatch, "/v1/stories/s1", alice, map[string]string{
		"status": "changes_requested",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch story status = %d", resp.StatusCode)
	}
	gotStory, err := api.store.GetStory(ctx, "s1")
	if err != nil {
		t.Fatalf("reload story: %v", err)
	}
	if gotStory.Status != planning.ItemChangesRequested {
		t.Fatalf("story status = %q, want changes_requested", gotStory.Status)
	}

	resp, _ = api.do(t, http.MethodPatch, "/v1/epics/e1", bob, map[string]string{"status": "approved"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user patch status = %d, want 404", resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodPatch, "/v1/epics/e1", alice, map[string]string{"status": "blessed"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status patch = %d, want 400", resp.StatusCode)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	return msg
}

func TestScopeWebsocketRejectsBadToken(t *testing.T) {
	api := newTestAPI(t)
	token := api.signup(t, "alice@example.com")
	projectID := api.createProject(t, token, "a budgeting tool")

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(api.ts, fmt.Sprintf("/ws/projects/%s/epics?token=not-a-token", projectID)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestScopeWebsocketPingPong(t *testing.T) {
	api := newTestAPI(t)
	token := api.signup(t, "alice@example.com")
	projectID := api.createProject(t, token, "a budgeting tool")

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(api.ts, fmt.Sprintf("/ws/projects/%s/epics?token=%s", projectID, token)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := readWS(t, conn)
	if hello["type"] != "ws.connected" || hello["scope"] != "epics" || hello["project_id"] != projectID {
		t.Fatalf("unexpected hello: %v", hello)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readWS(t, conn); msg["type"] != "pong" {
		t.Fatalf("expected pong, got %v", msg)
	}
}

func TestRunWebsocketStreamsEvents(t *testing.T) {
	api := newTestAPI(t)
	token := api.signup(t, "alice@example.com")
	projectID := api.createProject(t, token, "a budgeting tool")

	ctx := context.Background()
	run, err := api.runs.StartRun(ctx, projectID, runs.TypeResearch)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(api.ts, fmt.Sprintf("/ws/runs/%s?token=%s", run.ID, token)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := readWS(t, conn)
	if hello["type"] != "ws.connected" || hello["run_id"] != run.ID {
		t.Fatalf("unexpected hello: %v", hello)
	}

	if _, err := api.runs.Emit(ctx, run.ID, runs.LevelInfo, "research.started", "searching", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	msg := readWS(t, conn)
	if msg["type"] != "run.event" || msg["run_id"] != run.ID {
		t.Fatalf("unexpected forwarded message: %v", msg)
	}
	event, _ := msg["event"].(map[string]any)
	if event["event_type"] != "research.started" {
		t.Fatalf("unexpected event: %v", event)
	}
}
