// Package protocol defines the JSON messages exchanged over the planning
// websocket endpoints. Clients send flat commands with a type field; every
// server message carries a type field as well.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/planforge/planforge/internal/events"
	"github.com/planforge/planforge/internal/planning"
)

// Client command types.
const (
	CmdEpicsGenerate   = "epics.generate"
	CmdEpicsRegenerate = "epics.regenerate"
	CmdEpicsApprove    = "epics.approve"
	CmdEpicsList       = "epics.list"
	CmdEpicsLatest     = "epics.latest"

	CmdStoriesGenerate   = "stories.generate"
	CmdStoriesRegenerate = "stories.regenerate"
	CmdStoriesApprove    = "stories.approve"
	CmdStoriesLatest     = "stories.latest"

	CmdSpecsGenerate   = "specs.generate"
	CmdSpecsRegenerate = "specs.regenerate"
	CmdSpecsGet        = "specs.get"
	CmdSpecsApprove    = "specs.approve"
	CmdSpecsReject     = "specs.reject"

	CmdRunsAttach = "runs.attach"
	CmdPing       = "ping"
)

// Server message types.
const (
	MsgConnected = "ws.connected"
	MsgAttached  = "runs.attached"
	MsgCreated   = "runs.created"
	MsgRunEvent  = "run.event"
	MsgError     = "error"
	MsgPong      = "pong"

	MsgEpicsBatchCreated = "epics.batch.created"
	MsgEpicsBatchSummary = "epics.batch.summary"
	MsgEpicsApproved     = "epics.approved"
	MsgEpicsLatest       = "epics.latest"

	MsgStoriesBatchCreated = "stories.batch.created"
	MsgStoriesBatchSummary = "stories.batch.summary"
	MsgStoriesApproved     = "stories.approved"
	MsgStoriesLatest       = "stories.latest"

	MsgSpecsSummary  = "specs.summary"
	MsgSpecsNone     = "specs.none"
	MsgSpecsApproved = "specs.approved"
	MsgSpecsRejected = "specs.rejected"
)

var (
	ErrEmptyMessage   = errors.New("protocol: empty message")
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// ClientMessage is the flat command envelope. Only Type is always present;
// the remaining fields depend on the command.
type ClientMessage struct {
	Type        string `json:"type"`
	Constraints string `json:"constraints,omitempty"`
	Count       int    `json:"count,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
	ApproveAll  *bool  `json:"approve_all,omitempty"`
	EpicID      string `json:"epic_id,omitempty"`
	StoryID     string `json:"story_id,omitempty"`
	SpecID      string `json:"spec_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

func ParseClientMessage(data []byte) (ClientMessage, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return ClientMessage{}, ErrEmptyMessage
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return msg, nil
}

// ServerMessage is the single outbound envelope. Fields not relevant to a
// message type are omitted from the wire form.
type ServerMessage struct {
	Type            string           `json:"type"`
	Scope           string           `json:"scope,omitempty"`
	ProjectID       string           `json:"project_id,omitempty"`
	RunID           string           `json:"run_id,omitempty"`
	BatchID         string           `json:"batch_id,omitempty"`
	EpicID          string           `json:"epic_id,omitempty"`
	StoryID         string           `json:"story_id,omitempty"`
	SpecID          string           `json:"spec_id,omitempty"`
	Version         int              `json:"version,omitempty"`
	Status          string           `json:"status,omitempty"`
	Constraints     string           `json:"constraints,omitempty"`
	Feedback        string           `json:"feedback,omitempty"`
	Message         string           `json:"message,omitempty"`
	Mermaid         string           `json:"mermaid,omitempty"`
	MermaidSequence string           `json:"mermaid_sequence,omitempty"`
	MermaidER       string           `json:"mermaid_er,omitempty"`
	Epics           []planning.Epic  `json:"epics,omitempty"`
	Stories         []planning.Story `json:"stories,omitempty"`
	Event           *events.Envelope `json:"event,omitempty"`
}

func Connected(scope, projectID string) ServerMessage {
	return ServerMessage{Type: MsgConnected, Scope: scope, ProjectID: projectID}
}

func ConnectedToRun(runID string) ServerMessage {
	return ServerMessage{Type: MsgConnected, RunID: runID}
}

func Attached(runID string) ServerMessage {
	return ServerMessage{Type: MsgAttached, RunID: runID}
}

func RunCreated(runID string) ServerMessage {
	return ServerMessage{Type: MsgCreated, RunID: runID}
}

func Pong() ServerMessage {
	return ServerMessage{Type: MsgPong}
}

func Error(message string) ServerMessage {
	return ServerMessage{Type: MsgError, Message: message}
}

func RunError(runID, message string) ServerMessage {
	return ServerMessage{Type: MsgError, RunID: runID, Message: message}
}

// ForwardedEvent wraps a broker envelope so live events share the common
// type-tagged wire shape.
func ForwardedEvent(env events.Envelope) ServerMessage {
	return ServerMessage{Type: MsgRunEvent, RunID: env.RunID, Event: &env}
}
