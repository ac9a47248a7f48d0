package runs

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("run not found")

// Store persists runs and their append-only event log.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	// FinishRun moves a started run to the given terminal status. It
	// reports false when the run was already terminal, so the transition
	// happens at most once even under concurrent finishers.
	FinishRun(ctx context.Context, runID string, status Status, at time.Time) (bool, error)
	AppendEvent(ctx context.Context, evt Event) error
	ListEvents(ctx context.Context, runID string) ([]Event, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
