// Package generation produces planning artifacts: research appendices from
// web search, and epics, stories, and spec documents from an LLM with a
// deterministic fallback when no API key is configured.
package generation

import (
	"context"
	"errors"
)

// ErrProvider marks a failure reported by an external provider. Wrapped
// detail can include upstream response bodies, so it belongs in server-side
// logs, never in messages relayed to clients.
var ErrProvider = errors.New("provider error")

type EpicInput struct {
	ProductRequest  string
	ResearchSummary string
	Citations       []string
	Constraints     string
	Count           int
}

type GeneratedEpic struct {
	Title          string   `json:"title"`
	Goal           string   `json:"goal"`
	InScope        string   `json:"in_scope"`
	OutOfScope     string   `json:"out_of_scope"`
	Priority       string   `json:"priority"`
	PriorityReason string   `json:"priority_reason"`
	Dependencies   []string `json:"dependencies"`
	Risks          string   `json:"risks"`
	Assumptions    string   `json:"assumptions"`
	OpenQuestions  string   `json:"open_questions"`
	SuccessMetrics string   `json:"success_metrics"`
}

type StoryInput struct {
	ProductRequest string
	EpicTitle      string
	EpicGoal       string
	Constraints    string
	Count          int
}

type GeneratedStory struct {
	Statement          string   `json:"statement"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	EdgeCases          string   `json:"edge_cases"`
	NonFunctional      string   `json:"non_functional"`
	Estimate           string   `json:"estimate"`
	EstimateReason     string   `json:"estimate_reason"`
	Dependencies       []string `json:"dependencies"`
}

type SpecInput struct {
	ProductRequest     string
	StoryStatement     string
	AcceptanceCriteria []string
	Constraints        string
	Feedback           string
}

type GeneratedSpec struct {
	Overview               string           `json:"overview"`
	Goals                  string           `json:"goals"`
	FunctionalRequirements []map[string]any `json:"functional_requirements"`
	APIContracts           []map[string]any `json:"api_contracts"`
	DataModelChanges       []map[string]any `json:"data_model_changes"`
	SecurityConsiderations string           `json:"security_considerations"`
	ErrorHandling          string           `json:"error_handling"`
	Observability          string           `json:"observability"`
	TestPlan               []map[string]any `json:"test_plan"`
	ImplementationPlan     []map[string]any `json:"implementation_plan"`
	MermaidSequence        string           `json:"mermaid_sequence"`
	MermaidER              string           `json:"mermaid_er"`
}

type EpicGenerator interface {
	GenerateEpics(ctx context.Context, in EpicInput) ([]GeneratedEpic, error)
}

type StoryGenerator interface {
	GenerateStories(ctx context.Context, in StoryInput) ([]GeneratedStory, error)
}

type SpecGenerator interface {
	GenerateSpec(ctx context.Context, in SpecInput) (GeneratedSpec, error)
}

// Researcher runs one web search and returns an answer plus sources.
type Researcher interface {
	Search(ctx context.Context, query string) (SearchResult, error)
}

type SearchItem struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type SearchResult struct {
	Query   string       `json:"query"`
	Answer  string       `json:"answer"`
	Results []SearchItem `json:"results"`
}

func clampCount(n, def, max int) int {
	if n <= 0 {
		n = def
	}
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}
