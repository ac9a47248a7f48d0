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

const defaultTavilyBaseURL = "https://api.tavily.com"

// TavilyClient implements Researcher against the Tavily search API.
type TavilyClient struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpc      *http.Client
}

func NewTavilyClient(apiKey, baseURL string, maxResults int) *TavilyClient {
	if baseURL == "" {
		baseURL = defaultTavilyBaseURL
	}
	if maxResults <= 0 {
		maxResults = 8
	}
	return &TavilyClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxResults: maxResults,
		httpc:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *TavilyClient) Search(ctx context.Context, query string) (SearchResult, error) {
	if c.apiKey == "" {
		return SearchResult{}, fmt.Errorf("tavily: api key not configured")
	}

	body, err := json.Marshal(map[string]any{
		"query":               policy.ScrubOutbound(query),
		"max_results":         c.maxResults,
		"search_depth":        "basic",
		"include_answer":      "basic",
		"include_raw_content": false,
		"include_images":      false,
	})
	if err != nil {
		return SearchResult{}, fmt.Errorf("encode search request: %w", err)
	}

	resp, err := reliability.DoWithRetry(ctx, c.httpc, 3, 250*time.Millisecond, 2*time.Second, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build search request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return SearchResult{}, fmt.Errorf("tavily search: %w: %w", ErrProvider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return SearchResult{}, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return SearchResult{}, fmt.Errorf("tavily search: %w: status %d: %s", ErrProvider, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Query   string `json:"query"`
		Answer  string `json:"answer"`
		Results []struct {
			Title   string   `json:"title"`
			URL     string   `json:"url"`
			Content string   `json:"content"`
			Score   *float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SearchResult{}, fmt.Errorf("decode search response: %w", err)
	}

	out := SearchResult{Query: parsed.Query, Answer: parsed.Answer}
	if out.Query == "" {
		out.Query = query
	}
	for _, item := range parsed.Results {
		score := 0.0
		if item.Score != nil {
			score = *item.Score
		}
		out.Results = append(out.Results, SearchItem{
			Title:   item.Title,
			URL:     item.URL,
			Content: item.Content,
			Score:   score,
		})
	}
	return out, nil
}
