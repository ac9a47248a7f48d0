package runs

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]Run
	events map[string][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]Run),
		events: make(map[string][]Event),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID string, status Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	if run.Status != StatusStarted {
		return false, nil
	}
	run.Status = status
	run.UpdatedAt = at
	s.runs[runID] = run
	return true, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[evt.RunID]; !ok {
		return ErrNotFound
	}
	s.events[evt.RunID] = append(s.events[evt.RunID], cloneEvent(evt))
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, runID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	stored := s.events[runID]
	out := make([]Event, 0, len(stored))
	for _, evt := range stored {
		out = append(out, cloneEvent(evt))
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneEvent(evt Event) Event {
	if evt.Payload == nil {
		return evt
	}
	payload := make(map[string]any, len(evt.Payload))
	for k, v := range evt.Payload {
		payload[k] = v
	}
	evt.Payload = payload
	return evt
}
