package generation

import (
	"fmt"
	"strings"
)

// heuristicEpics is the deterministic fallback used when no LLM is
// configured or a response cannot be used. Output depends only on the input.
func heuristicEpics(in EpicInput) []GeneratedEpic {
	type seed struct{ title, goal string }
	base := []seed{
		{"Authentication & Roles", "Users can sign up/login and roles are enforced."},
		{"Core Domain CRUD", "Create/read/update/delete the main domain objects."},
		{"Search & Filtering", "Users can search/filter/sort core objects."},
		{"Notifications", "Notify users for important events (basic)."},
		{"Admin & Settings", "Admins manage users/config; basic settings."},
		{"Observability & Audit", "Logs, basic audit trail, error handling."},
	}
	if strings.Contains(strings.ToLower(in.Constraints), "sso") {
		base[0] = seed{"Authentication (SSO + Local)", "Support SSO plus local auth; enforce roles."}
	}

	count := in.Count
	if count < 1 {
		count = 1
	}
	if count > len(base) {
		count = len(base)
	}
	selected := base[:count]

	assumptions := "Assumes product request is valid."
	if req := strings.TrimSpace(in.ProductRequest); req != "" {
		if len(req) > 160 {
			req = req[:160]
		}
		assumptions = "Assumes: " + strings.TrimSpace(req)
	}

	out := make([]GeneratedEpic, 0, len(selected))
	for i, s := range selected {
		priority := "P2"
		switch {
		case i < 2:
			priority = "P0"
		case i < 4:
			priority = "P1"
		}
		var deps []string
		if i > 0 {
			deps = []string{selected[i-1].title}
		}
		out = append(out, GeneratedEpic{
			Title:          s.title,
			Goal:           s.goal,
			InScope:        "MVP scope for: " + s.title,
			OutOfScope:     "Later improvements for: " + s.title,
			Priority:       priority,
			PriorityReason: "Earlier epics unblock later delivery.",
			Dependencies:   deps,
			Risks:          "TBD - validate assumptions during implementation.",
			Assumptions:    assumptions,
			OpenQuestions:  "What integrations and constraints exist?",
			SuccessMetrics: "Feature works end-to-end for primary flows.",
		})
	}
	return out
}

func heuristicStories(in StoryInput) []GeneratedStory {
	acceptance := []string{
		"Given a valid request, When the user performs the primary action, Then the system responds successfully",
		"Given invalid input, When the system validates, Then the user receives a clear error",
	}
	count := in.Count
	if count < 1 {
		count = 1
	}
	out := make([]GeneratedStory, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, GeneratedStory{
			Statement:          fmt.Sprintf("As a developer, I want to implement %s part %d, so that the feature works end-to-end", strings.ToLower(in.EpicTitle), i+1),
			AcceptanceCriteria: append([]string(nil), acceptance...),
			EdgeCases:          "Network failures; malformed payloads; permission errors",
			NonFunctional:      "Log failures; enforce basic rate limits; adhere to privacy-by-default.",
			Estimate:           "M",
			EstimateReason:     "Moderate scope with standard CRUD and validation",
		})
	}
	return out
}

func heuristicSpec(in SpecInput) GeneratedSpec {
	acs := in.AcceptanceCriteria
	if len(acs) > 8 {
		acs = acs[:8]
	}
	fr := make([]map[string]any, 0, len(acs))
	testPlan := make([]map[string]any, 0, len(acs))
	for _, ac := range acs {
		fr = append(fr, map[string]any{"requirement": ac, "mapped_to": "AC"})
		testPlan = append(testPlan, map[string]any{"ac": ac, "tests": []any{"Test: " + ac}})
	}

	seq := strings.Join([]string{
		"sequenceDiagram",
		"    participant U as User",
		"    participant API as Backend",
		"    participant DB as PostgreSQL",
		"    U->>API: " + in.StoryStatement,
		"    API->>DB: Validate and persist",
		"    DB-->>API: OK / Error",
		"    API-->>U: Response",
	}, "\n")
	er := strings.Join([]string{
		"erDiagram",
		"    USER ||--o{ SESSION : has",
		"    PROJECT ||--o{ STORY : contains",
		"    STORY ||--o{ SPEC_DOCUMENT : versions",
	}, "\n")

	return GeneratedSpec{
		Overview:               "This spec operationalizes the story: " + in.StoryStatement,
		Goals:                  "Deliver functionality aligned to acceptance criteria and constraints.",
		FunctionalRequirements: fr,
		APIContracts:           []map[string]any{},
		DataModelChanges:       []map[string]any{},
		SecurityConsiderations: "Apply authN/Z via bearer tokens and role checks; input validation; rate limiting if applicable.",
		ErrorHandling:          "Consistent error model with HTTP codes; structured problem details.",
		Observability:          "Emit logs for key steps; counters for success/failure; traces around DB calls.",
		TestPlan:               testPlan,
		ImplementationPlan: []map[string]any{
			{"file": "internal/httpapi/<feature>.go", "action": "create/modify"},
			{"file": "internal/planning/<feature>.go", "action": "create/modify"},
			{"file": "internal/planning/store_postgres.go", "action": "update if schema changes"},
		},
		MermaidSequence: seq,
		MermaidER:       er,
	}
}

// EnsureDiagrams guarantees the spec carries both Mermaid diagrams, filling
// any missing or malformed one from the deterministic versions.
func EnsureDiagrams(spec GeneratedSpec, in SpecInput) GeneratedSpec {
	h := heuristicSpec(in)
	if !strings.Contains(spec.MermaidSequence, "sequenceDiagram") {
		spec.MermaidSequence = h.MermaidSequence
	}
	if !strings.Contains(spec.MermaidER, "erDiagram") {
		spec.MermaidER = h.MermaidER
	}
	return spec
}
