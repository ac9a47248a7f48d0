package policy

import (
	"strings"
	"testing"
)

func TestScrubOutbound(t *testing.T) {
	in := "Contact jane.doe@example.com or +1 415-555-0142, card 4111 1111 1111 1111."
	out := ScrubOutbound(in)
	if strings.Contains(out, "jane.doe@example.com") {
		t.Fatalf("email survived scrubbing: %q", out)
	}
	if strings.Contains(out, "4111") {
		t.Fatalf("card number survived scrubbing: %q", out)
	}
	if !strings.Contains(out, "[REDACTED_EMAIL]") || !strings.Contains(out, "[REDACTED_CARD]") {
		t.Fatalf("missing redaction markers: %q", out)
	}
}

func TestScrubOutboundLeavesPlainTextAlone(t *testing.T) {
	in := "Build a trip planner with offline maps for cyclists."
	if out := ScrubOutbound(in); out != in {
		t.Fatalf("clean text was modified: %q", out)
	}
}
