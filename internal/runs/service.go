package runs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/planforge/internal/events"
	"github.com/planforge/planforge/internal/observability"
)

// Service owns the run lifecycle and event emission. Every event is durably
// stored before it is published, so a history read is never behind the live
// stream.
type Service struct {
	store   Store
	broker  *events.Broker
	metrics *observability.Metrics
}

func NewService(store Store, broker *events.Broker, metrics *observability.Metrics) *Service {
	return &Service{store: store, broker: broker, metrics: metrics}
}

// StartRun creates a started run synchronously, so a run id exists to hand
// back and subscribe to before the job itself executes.
func (s *Service) StartRun(ctx context.Context, projectID string, runType RunType) (Run, error) {
	now := time.Now().UTC()
	run := Run{
		ID:        uuid.NewString(),
		ProjectID: strings.TrimSpace(projectID),
		RunType:   runType,
		Status:    StatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if run.ProjectID == "" {
		return Run{}, fmt.Errorf("project id is required")
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *Service) Get(ctx context.Context, runID string) (Run, error) {
	return s.store.GetRun(ctx, strings.TrimSpace(runID))
}

// CompleteRun marks the run completed. The transition fires at most once;
// finishing an already-terminal run is a no-op.
func (s *Service) CompleteRun(ctx context.Context, runID string) error {
	return s.finish(ctx, runID, StatusCompleted)
}

// FailRun marks the run failed, with the same at-most-once guarantee.
func (s *Service) FailRun(ctx context.Context, runID string) error {
	return s.finish(ctx, runID, StatusFailed)
}

func (s *Service) finish(ctx context.Context, runID string, status Status) error {
	transitioned, err := s.store.FinishRun(ctx, strings.TrimSpace(runID), status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if transitioned && s.metrics != nil {
		run, err := s.store.GetRun(ctx, runID)
		if err == nil {
			s.metrics.RunsFinished.WithLabelValues(string(run.RunType), string(status)).Inc()
		}
	}
	return nil
}

// Emit persists one event and then publishes its transport form to live
// subscribers. A persistence failure aborts that one emission; a publish
// with no subscribers just means nobody was listening live.
func (s *Service) Emit(ctx context.Context, runID string, level Level, eventType, message string, payload map[string]any) (Event, error) {
	evt := Event{
		ID:        uuid.NewString(),
		RunID:     strings.TrimSpace(runID),
		Level:     level,
		EventType: strings.TrimSpace(eventType),
		Message:   message,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		return Event{}, fmt.Errorf("persist run event: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RunEvents.WithLabelValues(string(level)).Inc()
	}

	delivered, dropped := s.broker.Publish(evt.RunID, evt.Envelope())
	if s.metrics != nil {
		s.metrics.BrokerDelivered.Add(float64(delivered))
		s.metrics.BrokerDropped.Add(float64(dropped))
	}
	return evt, nil
}

// History returns every persisted event for the run in emission order,
// regardless of whether anyone was subscribed when they were emitted.
func (s *Service) History(ctx context.Context, runID string) ([]Event, error) {
	runID = strings.TrimSpace(runID)
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, runID)
}

// Subscribe attaches a live delivery queue for the run.
func (s *Service) Subscribe(runID string) (<-chan events.Envelope, func()) {
	return s.broker.Subscribe(runID)
}
