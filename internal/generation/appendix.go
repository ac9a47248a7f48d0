package generation

import (
	"encoding/json"
	"strings"
)

// Appendix is the assembled output of one research run.
type Appendix struct {
	Markdown string
	URLs     []string
	Summary  string
	Impact   string
}

const appendixImpact = "This research is persisted as a first-class artifact and is intended to inform downstream epic/story/spec decisions. " +
	"Examples: confirming best-practice security guidance, identifying common feature expectations, and surfacing risks/constraints. " +
	"When generating epics/stories, we will cite these URLs and justify choices."

// BuildAppendix combines search results into a citable markdown appendix.
// URLs are deduplicated in first-seen order; the summary prefers the search
// provider's grounded answers.
func BuildAppendix(productRequest string, searches []SearchResult) Appendix {
	var urls []string
	seen := make(map[string]bool)
	for _, s := range searches {
		for _, r := range s.Results {
			if r.URL != "" && !seen[r.URL] {
				seen[r.URL] = true
				urls = append(urls, r.URL)
			}
		}
	}

	var answers []string
	for _, s := range searches {
		if a := strings.TrimSpace(s.Answer); a != "" {
			answers = append(answers, a)
		}
	}
	summary := "No summary was returned by the search provider."
	if len(answers) > 0 {
		if len(answers) > 2 {
			answers = answers[:2]
		}
		summary = strings.Join(answers, "\n\n")
	}

	request := strings.TrimSpace(productRequest)
	if request == "" {
		request = "(empty)"
	}

	var b strings.Builder
	b.WriteString("# Research Appendix\n\n")
	b.WriteString("## Product Request\n")
	b.WriteString(request + "\n\n")
	b.WriteString("## URLs Consulted (Citations)\n")
	cited := urls
	if len(cited) > 50 {
		cited = cited[:50]
	}
	for _, u := range cited {
		b.WriteString("- " + u + "\n")
	}
	b.WriteString("\n## Key Findings Summary\n")
	b.WriteString(summary + "\n\n")
	b.WriteString("## How Research Impacts Decisions\n")
	b.WriteString(appendixImpact + "\n\n")
	b.WriteString("## Raw Search Notes\n```json\n")
	raw, err := json.MarshalIndent(map[string]any{"searches": searches}, "", "  ")
	if err == nil {
		b.Write(raw)
	}
	b.WriteString("\n```\n")

	return Appendix{
		Markdown: b.String(),
		URLs:     urls,
		Summary:  summary,
		Impact:   appendixImpact,
	}
}

// ResearchQueries derives the standard set of searches for a product request.
func ResearchQueries(productRequest string) []string {
	trimmed := strings.TrimSpace(productRequest)
	return []string{
		trimmed + " best practices",
		trimmed + " common features users expect",
		trimmed + " security and compliance considerations",
	}
}
