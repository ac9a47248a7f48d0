package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/planforge/planforge/internal/policy"
	"github.com/planforge/planforge/internal/reliability"
)

// Planner generates epics, stories, and specs through an OpenAI-compatible
// chat completions endpoint. Without an API key, or when a response cannot be
// used, it falls back to the deterministic heuristics so planning still works
// offline.
type Planner struct {
	apiKey  string
	baseURL string
	model   string
	httpc   *http.Client
}

func NewPlanner(apiKey, baseURL, model string) *Planner {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Planner{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete sends one chat completion and returns the raw assistant content.
func (p *Planner) complete(ctx context.Context, system string, user any) (string, error) {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: string(userJSON)},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	resp, err := reliability.DoWithRetry(ctx, p.httpc, 3, 250*time.Millisecond, 2*time.Second, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build chat request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w: %w", ErrProvider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion: %w: status %d: %s", ErrProvider, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (p *Planner) GenerateEpics(ctx context.Context, in EpicInput) ([]GeneratedEpic, error) {
	in.Count = clampCount(in.Count, 6, 12)
	if p.apiKey == "" {
		return heuristicEpics(in), nil
	}

	system := "You are a product planning assistant. Generate a prioritized epic backlog grounded in provided research. " +
		"Return STRICT JSON only with: epics: [ { title, goal, in_scope, out_of_scope, priority, priority_reason, dependencies[], risks, assumptions, open_questions, success_metrics } ]. " +
		"Priority values: P0, P1, P2. Dependencies list epic titles this epic depends on. No markdown."
	user := map[string]any{
		"product_request": policy.ScrubOutbound(in.ProductRequest),
		"constraints":     policy.ScrubOutbound(in.Constraints),
		"research": map[string]any{
			"summary":   in.ResearchSummary,
			"citations": in.Citations,
		},
		"epic_count": in.Count,
	}

	content, err := p.complete(ctx, system, user)
	if err != nil {
		return heuristicEpics(in), nil
	}
	var parsed struct {
		Epics []GeneratedEpic `json:"epics"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || len(parsed.Epics) == 0 {
		return heuristicEpics(in), nil
	}
	epics := parsed.Epics
	if len(epics) > in.Count {
		epics = epics[:in.Count]
	}
	// Pad deterministically when the model returns too few.
	if len(epics) < in.Count {
		pad := in
		pad.Count = in.Count - len(epics)
		epics = append(epics, heuristicEpics(pad)...)
	}
	return epics, nil
}

func (p *Planner) GenerateStories(ctx context.Context, in StoryInput) ([]GeneratedStory, error) {
	in.Count = clampCount(in.Count, 10, 25)
	if p.apiKey == "" {
		return heuristicStories(in), nil
	}

	system := "You are a product planning assistant. Generate implementable user stories for the given epic. " +
		"Return STRICT JSON only with: stories: [ { statement, acceptance_criteria[], edge_cases, non_functional, estimate, estimate_reason, dependencies[] } ]. " +
		"Acceptance criteria must be Given/When/Then bullets. Keep estimate as T-shirt size (XS/S/M/L/XL). No markdown."
	user := map[string]any{
		"product_request": policy.ScrubOutbound(in.ProductRequest),
		"epic":            map[string]any{"title": in.EpicTitle, "goal": in.EpicGoal},
		"constraints":     policy.ScrubOutbound(in.Constraints),
		"count":           in.Count,
	}

	content, err := p.complete(ctx, system, user)
	if err != nil {
		return heuristicStories(in), nil
	}
	var parsed struct {
		Stories []GeneratedStory `json:"stories"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || len(parsed.Stories) == 0 {
		return heuristicStories(in), nil
	}
	stories := parsed.Stories
	if len(stories) > in.Count {
		stories = stories[:in.Count]
	}
	return stories, nil
}

func (p *Planner) GenerateSpec(ctx context.Context, in SpecInput) (GeneratedSpec, error) {
	if p.apiKey == "" {
		return heuristicSpec(in), nil
	}

	system := "You are a software architect. Produce a formal implementation spec as strict JSON. " +
		"Keys: overview, goals, functional_requirements[], api_contracts[], data_model_changes[], " +
		"security_considerations, error_handling, observability, test_plan[], implementation_plan[], " +
		"mermaid_sequence, mermaid_er. Keep diagrams as Mermaid strings. " +
		"mermaid_sequence MUST include 'sequenceDiagram' and be non-empty. mermaid_er MUST include 'erDiagram' and be non-empty."
	user := map[string]any{
		"product_request": policy.ScrubOutbound(in.ProductRequest),
		"story": map[string]any{
			"statement":           in.StoryStatement,
			"acceptance_criteria": in.AcceptanceCriteria,
		},
		"constraints": policy.ScrubOutbound(in.Constraints),
		"feedback":    policy.ScrubOutbound(in.Feedback),
	}

	content, err := p.complete(ctx, system, user)
	if err != nil {
		return heuristicSpec(in), nil
	}
	var spec GeneratedSpec
	if err := json.Unmarshal([]byte(content), &spec); err != nil {
		return heuristicSpec(in), nil
	}
	return EnsureDiagrams(spec, in), nil
}
