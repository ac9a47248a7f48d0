package runs

import (
	"time"

	"github.com/planforge/planforge/internal/events"
)

type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type RunType string

const (
	TypeResearch        RunType = "research"
	TypeEpicGeneration  RunType = "epic_generation"
	TypeStoryGeneration RunType = "story_generation"
	TypeSpecGeneration  RunType = "spec_generation"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Run is one execution instance of a background job. Status moves from
// started to exactly one terminal state and is never revived.
type Run struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	RunType   RunType   `json:"run_type"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one immutable, timestamped fact about a run's progress. Events
// are append-only and strictly ordered by creation within a run.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Level     Level          `json:"level"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Envelope converts the persisted event into its transport form. The live
// stream and the history endpoint hand clients the same shape.
func (e Event) Envelope() events.Envelope {
	return events.Envelope{
		ID:        e.ID,
		RunID:     e.RunID,
		Level:     string(e.Level),
		EventType: e.EventType,
		Message:   e.Message,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}
