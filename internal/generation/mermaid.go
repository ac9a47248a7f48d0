package generation

import (
	"fmt"
	"strings"
)

// DependencyGraph renders the epic dependency graph as a Mermaid flowchart.
// Dependencies reference epic titles; unknown titles are skipped.
func DependencyGraph(epics []GeneratedEpic) string {
	lines := []string{"flowchart TD"}
	titleToID := make(map[string]string, len(epics))
	for i, e := range epics {
		nodeID := fmt.Sprintf("E%d", i+1)
		titleToID[e.Title] = nodeID
		safe := strings.ReplaceAll(e.Title, `"`, "'")
		lines = append(lines, fmt.Sprintf("  %s[%q]", nodeID, safe))
	}
	for _, e := range epics {
		to, ok := titleToID[e.Title]
		if !ok {
			continue
		}
		for _, dep := range e.Dependencies {
			if from, ok := titleToID[dep]; ok {
				lines = append(lines, fmt.Sprintf("  %s --> %s", from, to))
			}
		}
	}
	return strings.Join(lines, "\n") + "\n"
}
