package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initRunSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initRunSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			run_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs (project_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			level TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			payload_json TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events (run_id, seq ASC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init run schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, project_id, run_type, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		run.ID, run.ProjectID, string(run.RunType), string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, run_type, status, created_at, updated_at FROM runs WHERE id=$1`,
		runID,
	)
	var (
		run     Run
		runType string
		status  string
	)
	if err := row.Scan(&run.ID, &run.ProjectID, &runType, &status, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	run.RunType = RunType(runType)
	run.Status = Status(status)
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status Status, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status=$2, updated_at=$3 WHERE id=$1 AND status=$4`,
		runID, string(status), at, string(StatusStarted),
	)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Distinguish "already terminal" from "no such run".
	if _, err := s.GetRun(ctx, runID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, evt Event) error {
	var payloadJSON *string
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		encoded := string(raw)
		payloadJSON = &encoded
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_events (id, run_id, level, event_type, message, payload_json, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		evt.ID, evt.RunID, string(evt.Level), evt.EventType, evt.Message, payloadJSON, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		// seq is the insertion order; created_at alone cannot break ties
		// between events persisted in the same microsecond.
		`SELECT id, run_id, level, event_type, message, payload_json, created_at
		   FROM run_events WHERE run_id=$1 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var (
			evt         Event
			level       string
			payloadJSON *string
		)
		if err := rows.Scan(&evt.ID, &evt.RunID, &level, &evt.EventType, &evt.Message, &payloadJSON, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		evt.Level = Level(level)
		if payloadJSON != nil && *payloadJSON != "" {
			payload := make(map[string]any)
			if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
			evt.Payload = payload
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run event rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
