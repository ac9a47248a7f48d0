// Package session drives one interactive planning connection: it dispatches
// client commands, runs generation jobs, and forwards live run events. The
// controller is transport-agnostic; the websocket layer owns the socket and
// hands it byte frames in and server messages out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/planforge/planforge/internal/events"
	"github.com/planforge/planforge/internal/jobs"
	"github.com/planforge/planforge/internal/observability"
	"github.com/planforge/planforge/internal/planning"
	"github.com/planforge/planforge/internal/protocol"
	"github.com/planforge/planforge/internal/runs"
)

type Scope string

const (
	ScopeEpics   Scope = "epics"
	ScopeStories Scope = "stories"
	ScopeSpecs   Scope = "specs"
)

// Controller handles the command protocol for one scope. A single controller
// is shared across connections; per-connection state lives in Run.
type Controller struct {
	scope    Scope
	runs     *runs.Service
	store    planning.Store
	executor *jobs.Executor
	metrics  *observability.Metrics
}

func NewController(scope Scope, runSvc *runs.Service, store planning.Store, executor *jobs.Executor, metrics *observability.Metrics) *Controller {
	return &Controller{scope: scope, runs: runSvc, store: store, executor: executor, metrics: metrics}
}

// conn is the state of one live connection.
type conn struct {
	ctrl      *Controller
	ctx       context.Context
	projectID string
	outbound  chan<- protocol.ServerMessage

	// forwarder state; a connection follows at most one run at a time.
	runID string
	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

// Run processes commands from inbound until the context ends or inbound
// closes. The connection starts unattached; runs.attach and generation
// commands switch which run's events are forwarded.
func (c *Controller) Run(ctx context.Context, projectID string, inbound <-chan []byte, outbound chan<- protocol.ServerMessage) {
	if c.metrics != nil {
		c.metrics.ActiveSessions.Inc()
		defer c.metrics.ActiveSessions.Dec()
	}

	s := &conn{ctrl: c, ctx: ctx, projectID: projectID, outbound: outbound}
	defer s.detach()

	s.send(protocol.Connected(string(c.scope), projectID))

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbound:
			if !ok {
				return
			}
			s.handle(raw)
		}
	}
}

func (s *conn) send(msg protocol.ServerMessage) {
	select {
	case s.outbound <- msg:
	case <-s.ctx.Done():
	}
}

// attach switches event forwarding to runID. The previous forwarder is
// stopped and awaited first, so events from the old run never interleave
// with the new one.
func (s *conn) attach(runID string) {
	s.detach()

	ch, unsub := s.ctrl.runs.Subscribe(runID)
	s.runID = runID
	s.unsub = unsub
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(ch <-chan events.Envelope, stop, done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-s.ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				s.send(protocol.ForwardedEvent(env))
			}
		}
	}(ch, s.stop, s.done)

	if s.ctrl.metrics != nil {
		s.ctrl.metrics.SessionEvents.WithLabelValues("attach").Inc()
	}
	s.send(protocol.Attached(runID))
}

func (s *conn) detach() {
	if s.runID == "" {
		return
	}
	s.unsub()
	close(s.stop)
	<-s.done
	s.runID = ""
	s.unsub = nil
	s.stop = nil
	s.done = nil
	if s.ctrl.metrics != nil {
		s.ctrl.metrics.SessionEvents.WithLabelValues("detach").Inc()
	}
}

func (s *conn) handle(raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		s.send(protocol.Error("Invalid JSON message"))
		return
	}
	if s.ctrl.metrics != nil {
		s.ctrl.metrics.SessionEvents.WithLabelValues("command").Inc()
	}

	switch msg.Type {
	case protocol.CmdPing:
		s.send(protocol.Pong())
		return
	case protocol.CmdRunsAttach:
		if msg.RunID == "" {
			s.send(protocol.Error("run_id is required"))
			return
		}
		if _, err := s.ctrl.runs.Get(s.ctx, msg.RunID); err != nil {
			s.send(protocol.Error("Run not found"))
			return
		}
		s.attach(msg.RunID)
		return
	}

	switch s.ctrl.scope {
	case ScopeEpics:
		s.handleEpics(msg)
	case ScopeStories:
		s.handleStories(msg)
	case ScopeSpecs:
		s.handleSpecs(msg)
	}
}

func (s *conn) handleEpics(msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.CmdEpicsGenerate, protocol.CmdEpicsRegenerate:
		result, err := s.ctrl.executor.GenerateEpics(s.ctx, s.projectID, msg.Constraints, msg.Count, func(run runs.Run) {
			s.attach(run.ID)
			s.send(protocol.RunCreated(run.ID))
		})
		if err != nil {
			s.sendGenerationError(result.Run.ID, err)
			return
		}
		s.send(protocol.ServerMessage{Type: protocol.MsgEpicsBatchCreated, RunID: result.Run.ID, BatchID: result.BatchID})
		s.send(protocol.ServerMessage{
			Type:        protocol.MsgEpicsBatchSummary,
			RunID:       result.Run.ID,
			BatchID:     result.BatchID,
			Constraints: result.Constraints,
			Epics:       result.Epics,
			Mermaid:     result.Mermaid,
		})

	case protocol.CmdEpicsApprove:
		if msg.BatchID == "" {
			s.send(protocol.Error("batch_id is required"))
			return
		}
		batch, err := s.ctrl.store.GetEpicBatch(s.ctx, msg.BatchID)
		if err != nil || batch.ProjectID != s.projectID {
			s.send(protocol.Error("Epic batch not found"))
			return
		}
		if batch.RunID != "" {
			s.attach(batch.RunID)
		}
		if err := s.ctrl.store.ApproveEpicBatch(s.ctx, batch.ID); err != nil {
			s.send(protocol.Error(fmt.Sprintf("Approval failed: %v", err)))
			return
		}
		if batch.RunID != "" {
			_, _ = s.ctrl.runs.Emit(s.ctx, batch.RunID, runs.LevelInfo, "epics.approved", "Epics approved", nil)
		}
		s.send(protocol.ServerMessage{Type: protocol.MsgEpicsApproved, BatchID: batch.ID, RunID: batch.RunID})
		s.sendEpicBatchSummary(protocol.MsgEpicsBatchSummary, batch.ID)

	case protocol.CmdEpicsList:
		if msg.BatchID == "" {
			s.send(protocol.Error("batch_id is required"))
			return
		}
		s.sendEpicBatchSummary(protocol.MsgEpicsBatchSummary, msg.BatchID)

	case protocol.CmdEpicsLatest:
		batch, err := s.ctrl.store.LatestEpicBatch(s.ctx, s.projectID)
		if errors.Is(err, planning.ErrNotFound) {
			s.send(protocol.ServerMessage{Type: protocol.MsgEpicsLatest, Message: "No batches yet"})
			return
		}
		if err != nil {
			s.send(protocol.Error("Failed to load latest batch"))
			return
		}
		s.sendEpicBatchSummary(protocol.MsgEpicsLatest, batch.ID)

	default:
		s.send(protocol.Error("Unknown message type: " + msg.Type))
	}
}

func (s *conn) handleStories(msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.CmdStoriesGenerate, protocol.CmdStoriesRegenerate:
		if msg.EpicID == "" {
			s.send(protocol.Error("epic_id is required"))
			return
		}
		result, err := s.ctrl.executor.GenerateStories(s.ctx, s.projectID, msg.EpicID, msg.Constraints, msg.Count, func(run runs.Run) {
			s.attach(run.ID)
			s.send(protocol.RunCreated(run.ID))
		})
		if err != nil {
			s.sendGenerationError(result.Run.ID, err)
			return
		}
		s.send(protocol.ServerMessage{Type: protocol.MsgStoriesBatchCreated, RunID: result.Run.ID, BatchID: result.BatchID})
		s.send(protocol.ServerMessage{
			Type:    protocol.MsgStoriesBatchSummary,
			RunID:   result.Run.ID,
			BatchID: result.BatchID,
			EpicID:  msg.EpicID,
			Stories: result.Stories,
		})

	case protocol.CmdStoriesApprove:
		if msg.BatchID == "" {
			s.send(protocol.Error("batch_id is required"))
			return
		}
		batch, err := s.ctrl.store.GetStoryBatch(s.ctx, msg.BatchID)
		if err != nil || batch.ProjectID != s.projectID {
			s.send(protocol.Error("Story batch not found"))
			return
		}
		if err := s.ctrl.store.ApproveStoryBatch(s.ctx, batch.ID); err != nil {
			s.send(protocol.Error(fmt.Sprintf("Approval failed: %v", err)))
			return
		}
		if batch.RunID != "" {
			_, _ = s.ctrl.runs.Emit(s.ctx, batch.RunID, runs.LevelInfo, "stories.approved", "Stories approved", nil)
		}
		s.send(protocol.ServerMessage{Type: protocol.MsgStoriesApproved, BatchID: batch.ID})
		s.sendStoryBatchSummary(protocol.MsgStoriesBatchSummary, batch.ID)

	case protocol.CmdStoriesLatest:
		if msg.EpicID == "" {
			s.send(protocol.Error("epic_id is required"))
			return
		}
		batch, err := s.ctrl.store.LatestStoryBatch(s.ctx, msg.EpicID)
		if errors.Is(err, planning.ErrNotFound) {
			s.send(protocol.ServerMessage{Type: protocol.MsgStoriesLatest, Message: "No batches yet"})
			return
		}
		if err != nil || batch.ProjectID != s.projectID {
			s.send(protocol.Error("Failed to load latest batch"))
			return
		}
		s.sendStoryBatchSummary(protocol.MsgStoriesLatest, batch.ID)

	default:
		s.send(protocol.Error("Unknown message type: " + msg.Type))
	}
}

func (s *conn) handleSpecs(msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.CmdSpecsGenerate, protocol.CmdSpecsRegenerate:
		if msg.StoryID == "" {
			s.send(protocol.Error("story_id is required"))
			return
		}
		result, err := s.ctrl.executor.GenerateSpec(s.ctx, s.projectID, msg.StoryID, msg.Constraints, msg.Feedback, func(run runs.Run) {
			s.attach(run.ID)
			s.send(protocol.RunCreated(run.ID))
		})
		if err != nil {
			s.sendGenerationError(result.Run.ID, err)
			return
		}
		s.sendSpecSummary(result.Spec)

	case protocol.CmdSpecsGet:
		if msg.StoryID == "" {
			s.send(protocol.Error("story_id is required"))
			return
		}
		doc, err := s.ctrl.store.LatestSpec(s.ctx, msg.StoryID)
		if errors.Is(err, planning.ErrNotFound) {
			s.send(protocol.ServerMessage{Type: protocol.MsgSpecsNone, StoryID: msg.StoryID})
			return
		}
		if err != nil || doc.ProjectID != s.projectID {
			s.send(protocol.Error("Spec not found"))
			return
		}
		s.sendSpecSummary(doc)

	case protocol.CmdSpecsApprove:
		if msg.SpecID == "" {
			s.send(protocol.Error("spec_id is required"))
			return
		}
		doc, err := s.ctrl.store.GetSpec(s.ctx, msg.SpecID)
		if err != nil || doc.ProjectID != s.projectID {
			s.send(protocol.Error("Spec not found"))
			return
		}
		if err := s.ctrl.store.UpdateSpecStatus(s.ctx, doc.ID, planning.SpecApproved, ""); err != nil {
			s.send(protocol.Error(fmt.Sprintf("Approval failed: %v", err)))
			return
		}
		s.send(protocol.ServerMessage{Type: protocol.MsgSpecsApproved, SpecID: doc.ID, Version: doc.Version})

	case protocol.CmdSpecsReject:
		if msg.SpecID == "" {
			s.send(protocol.Error("spec_id is required"))
			return
		}
		doc, err := s.ctrl.store.GetSpec(s.ctx, msg.SpecID)
		if err != nil || doc.ProjectID != s.projectID {
			s.send(protocol.Error("Spec not found"))
			return
		}
		if err := s.ctrl.store.UpdateSpecStatus(s.ctx, doc.ID, planning.SpecRejected, msg.Feedback); err != nil {
			s.send(protocol.Error(fmt.Sprintf("Rejection failed: %v", err)))
			return
		}
		s.send(protocol.ServerMessage{Type: protocol.MsgSpecsRejected, SpecID: doc.ID, Version: doc.Version, Feedback: msg.Feedback})

	default:
		s.send(protocol.Error("Unknown message type: " + msg.Type))
	}
}

// sendGenerationError reports a failed generation without closing the
// connection. Precondition failures never created a run, so they carry no
// run id.
func (s *conn) sendGenerationError(runID string, err error) {
	// The raw error may carry upstream provider detail and stays
	// server-side; clients get the mapped message only.
	log.Printf("session %s: generation failed: %v", s.projectID, err)
	message := "Generation failed"
	switch {
	case errors.Is(err, planning.ErrNotFound):
		message = "Not found"
	case errors.Is(err, jobs.ErrResearchRequired):
		message = "No research appendix found; run research first."
	case errors.Is(err, jobs.ErrEpicNotApproved):
		message = "Epic must be approved before generating stories"
	}
	if runID != "" {
		s.send(protocol.RunError(runID, message))
		return
	}
	s.send(protocol.Error(message))
}

func (s *conn) sendEpicBatchSummary(msgType, batchID string) {
	batch, err := s.ctrl.store.GetEpicBatch(s.ctx, batchID)
	if err != nil || batch.ProjectID != s.projectID {
		s.send(protocol.Error("Epic batch not found"))
		return
	}
	epics, err := s.ctrl.store.ListEpics(s.ctx, batch.ID)
	if err != nil {
		s.send(protocol.Error("Failed to load epics"))
		return
	}
	s.send(protocol.ServerMessage{
		Type:        msgType,
		BatchID:     batch.ID,
		ProjectID:   batch.ProjectID,
		RunID:       batch.RunID,
		Constraints: batch.Constraints,
		Status:      string(batch.Status),
		Epics:       epics,
	})
}

func (s *conn) sendStoryBatchSummary(msgType, batchID string) {
	batch, err := s.ctrl.store.GetStoryBatch(s.ctx, batchID)
	if err != nil || batch.ProjectID != s.projectID {
		s.send(protocol.Error("Story batch not found"))
		return
	}
	stories, err := s.ctrl.store.ListStories(s.ctx, batch.ID)
	if err != nil {
		s.send(protocol.Error("Failed to load stories"))
		return
	}
	s.send(protocol.ServerMessage{
		Type:        msgType,
		BatchID:     batch.ID,
		ProjectID:   batch.ProjectID,
		EpicID:      batch.EpicID,
		Constraints: batch.Constraints,
		Status:      string(batch.Status),
		Stories:     stories,
	})
}

func (s *conn) sendSpecSummary(doc planning.SpecDocument) {
	s.send(protocol.ServerMessage{
		Type:            protocol.MsgSpecsSummary,
		SpecID:          doc.ID,
		StoryID:         doc.StoryID,
		Version:         doc.Version,
		Status:          string(doc.Status),
		Constraints:     doc.Constraints,
		Feedback:        doc.Feedback,
		MermaidSequence: doc.MermaidSequence,
		MermaidER:       doc.MermaidER,
	})
}

// ForwardRun streams one run's live events to outbound until ctx ends.
// It is the read-only follower used by the per-run websocket endpoint.
func ForwardRun(ctx context.Context, runSvc *runs.Service, runID string, outbound chan<- protocol.ServerMessage) {
	ch, unsub := runSvc.Subscribe(runID)
	defer unsub()

	select {
	case outbound <- protocol.ConnectedToRun(runID):
	case <-ctx.Done():
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			select {
			case outbound <- protocol.ForwardedEvent(env):
			case <-ctx.Done():
				return
			}
		}
	}
}
