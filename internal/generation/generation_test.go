package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHeuristicEpicsDeterministic(t *testing.T) {
	planner := NewPlanner("", "", "")
	in := EpicInput{ProductRequest: "a trip planner", Count: 4}

	first, err := planner.GenerateEpics(context.Background(), in)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := planner.GenerateEpics(context.Background(), in)
	if err != nil {
		t.Fatalf("generate again: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("expected 4 epics, got %d", len(first))
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatal("heuristic output must be deterministic for identical input")
	}
	if first[0].Priority != "P0" || first[3].Priority != "P1" {
		t.Fatalf("unexpected priorities: %q, %q", first[0].Priority, first[3].Priority)
	}
	if len(first[1].Dependencies) != 1 || first[1].Dependencies[0] != first[0].Title {
		t.Fatalf("second epic should depend on the first, got %v", first[1].Dependencies)
	}
}

func TestHeuristicEpicsHonorSSOConstraint(t *testing.T) {
	planner := NewPlanner("", "", "")
	out, err := planner.GenerateEpics(context.Background(), EpicInput{
		ProductRequest: "intranet portal",
		Constraints:    "must support SSO",
		Count:          2,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out[0].Title, "SSO") {
		t.Fatalf("constraint not reflected in first epic: %q", out[0].Title)
	}
}

func TestGenerateEpicsClampsCount(t *testing.T) {
	planner := NewPlanner("", "", "")
	out, err := planner.GenerateEpics(context.Background(), EpicInput{ProductRequest: "x", Count: 99})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out) == 0 || len(out) > 12 {
		t.Fatalf("count not clamped: %d", len(out))
	}
}

func TestGenerateStoriesFallsBackWithoutKey(t *testing.T) {
	planner := NewPlanner("", "", "")
	out, err := planner.GenerateStories(context.Background(), StoryInput{EpicTitle: "Search & Filtering", Count: 3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 stories, got %d", len(out))
	}
	for _, st := range out {
		if len(st.AcceptanceCriteria) == 0 {
			t.Fatal("story missing acceptance criteria")
		}
		if !strings.Contains(st.Statement, "search & filtering") {
			t.Fatalf("statement should mention the epic: %q", st.Statement)
		}
	}
}

func TestGenerateSpecAlwaysCarriesBothDiagrams(t *testing.T) {
	planner := NewPlanner("", "", "")
	spec, err := planner.GenerateSpec(context.Background(), SpecInput{
		StoryStatement:     "As a user, I want to log in",
		AcceptanceCriteria: []string{"Given valid credentials, When I log in, Then I get a token"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(spec.MermaidSequence, "sequenceDiagram") {
		t.Fatal("missing sequence diagram")
	}
	if !strings.Contains(spec.MermaidER, "erDiagram") {
		t.Fatal("missing ER diagram")
	}
	if len(spec.FunctionalRequirements) != 1 {
		t.Fatalf("expected one functional requirement per AC, got %d", len(spec.FunctionalRequirements))
	}
}

func TestEnsureDiagramsFillsMissing(t *testing.T) {
	in := SpecInput{StoryStatement: "story"}
	fixed := EnsureDiagrams(GeneratedSpec{MermaidSequence: "not a diagram", MermaidER: ""}, in)
	if !strings.Contains(fixed.MermaidSequence, "sequenceDiagram") {
		t.Fatal("sequence diagram not repaired")
	}
	if !strings.Contains(fixed.MermaidER, "erDiagram") {
		t.Fatal("ER diagram not repaired")
	}
	keep := EnsureDiagrams(GeneratedSpec{MermaidSequence: "sequenceDiagram\nA->>B: hi", MermaidER: "erDiagram\nA ||--o{ B : x"}, in)
	if !strings.Contains(keep.MermaidSequence, "A->>B: hi") {
		t.Fatal("valid sequence diagram must be preserved")
	}
}

func TestPlannerParsesChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		content := `{"epics":[{"title":"Billing","goal":"Charge users","priority":"P0","dependencies":[]}]}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	defer server.Close()

	planner := NewPlanner("test-key", server.URL, "test-model")
	out, err := planner.GenerateEpics(context.Background(), EpicInput{ProductRequest: "saas", Count: 3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out[0].Title != "Billing" {
		t.Fatalf("model epic not used: %q", out[0].Title)
	}
	// The model returned one epic for a count of three; the rest is padded
	// deterministically.
	if len(out) != 3 {
		t.Fatalf("expected padding to 3 epics, got %d", len(out))
	}
}

func TestPlannerFallsBackOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	planner := NewPlanner("test-key", server.URL, "test-model")
	out, err := planner.GenerateStories(context.Background(), StoryInput{EpicTitle: "Core Domain CRUD", Count: 2})
	if err != nil {
		t.Fatalf("generate should fall back, got error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected heuristic fallback with 2 stories, got %d", len(out))
	}
}

func TestBuildAppendixDeduplicatesURLs(t *testing.T) {
	searches := []SearchResult{
		{
			Query:  "q1",
			Answer: "First grounded answer.",
			Results: []SearchItem{
				{Title: "A", URL: "https://a.example", Content: "a"},
				{Title: "B", URL: "https://b.example", Content: "b"},
			},
		},
		{
			Query:  "q2",
			Answer: "Second grounded answer.",
			Results: []SearchItem{
				{Title: "A again", URL: "https://a.example", Content: "a2"},
				{Title: "C", URL: "https://c.example", Content: "c"},
			},
		},
	}

	appendix := BuildAppendix("a trip planner", searches)
	if len(appendix.URLs) != 3 {
		t.Fatalf("expected 3 unique urls, got %v", appendix.URLs)
	}
	if appendix.URLs[0] != "https://a.example" {
		t.Fatalf("urls must keep first-seen order, got %v", appendix.URLs)
	}
	if !strings.Contains(appendix.Summary, "First grounded answer.") {
		t.Fatalf("summary should use provider answers: %q", appendix.Summary)
	}
	for _, section := range []string{"# Research Appendix", "## Product Request", "## URLs Consulted (Citations)", "## Key Findings Summary", "## Raw Search Notes"} {
		if !strings.Contains(appendix.Markdown, section) {
			t.Fatalf("markdown missing section %q", section)
		}
	}
}

func TestBuildAppendixWithoutAnswers(t *testing.T) {
	appendix := BuildAppendix("", []SearchResult{{Query: "q", Results: []SearchItem{{URL: "https://x.example"}}}})
	if !strings.Contains(appendix.Summary, "No summary") {
		t.Fatalf("expected placeholder summary, got %q", appendix.Summary)
	}
	if !strings.Contains(appendix.Markdown, "(empty)") {
		t.Fatal("empty product request should render as (empty)")
	}
}

func TestDependencyGraph(t *testing.T) {
	epics := []GeneratedEpic{
		{Title: "Auth"},
		{Title: "Search", Dependencies: []string{"Auth", "Nonexistent"}},
	}
	graph := DependencyGraph(epics)
	if !strings.HasPrefix(graph, "flowchart TD") {
		t.Fatalf("graph must be a flowchart: %q", graph)
	}
	if !strings.Contains(graph, "E1 --> E2") {
		t.Fatalf("missing dependency edge:\n%s", graph)
	}
	if strings.Contains(graph, "Nonexistent") {
		t.Fatal("unknown dependency titles must be skipped")
	}
}

func TestTavilyClientParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"query":  "trip planner best practices",
			"answer": "Plan trips with maps.",
			"results": []map[string]any{
				{"title": "Guide", "url": "https://guide.example", "content": "...", "score": 0.9},
			},
		})
	}))
	defer server.Close()

	client := NewTavilyClient("key", server.URL, 5)
	got, err := client.Search(context.Background(), "trip planner best practices")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got.Answer != "Plan trips with maps." || len(got.Results) != 1 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Results[0].Score != 0.9 {
		t.Fatalf("score not parsed: %v", got.Results[0].Score)
	}
}

func TestTavilyClientRequiresKey(t *testing.T) {
	client := NewTavilyClient("", "", 5)
	if _, err := client.Search(context.Background(), "anything"); err == nil {
		t.Fatal("expected error without api key")
	}
}
