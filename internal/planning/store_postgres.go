package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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
	if err := initPlanningSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPlanningSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id),
			product_request TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects (owner_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS research_appendices (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			run_id TEXT NOT NULL,
			markdown TEXT NOT NULL,
			urls_json TEXT NOT NULL,
			summary TEXT NOT NULL,
			impact TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_research_project ON research_appendices (project_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS epic_batches (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			run_id TEXT NOT NULL DEFAULT '',
			constraints TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_epic_batches_project ON epic_batches (project_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS epics (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			batch_id TEXT NOT NULL REFERENCES epic_batches(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			goal TEXT NOT NULL,
			in_scope TEXT NOT NULL,
			out_of_scope TEXT NOT NULL,
			priority TEXT NOT NULL,
			priority_reason TEXT NOT NULL,
			dependencies_json TEXT NOT NULL,
			risks TEXT NOT NULL,
			assumptions TEXT NOT NULL,
			open_questions TEXT NOT NULL,
			success_metrics TEXT NOT NULL,
			status TEXT NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_epics_batch ON epics (batch_id, created_at ASC);`,
		`CREATE TABLE IF NOT EXISTS story_batches (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			epic_id TEXT NOT NULL REFERENCES epics(id) ON DELETE CASCADE,
			run_id TEXT NOT NULL DEFAULT '',
			constraints TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_story_batches_epic ON story_batches (epic_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			epic_id TEXT NOT NULL,
			batch_id TEXT NOT NULL REFERENCES story_batches(id) ON DELETE CASCADE,
			statement TEXT NOT NULL,
			acceptance_json TEXT NOT NULL,
			edge_cases TEXT NOT NULL,
			non_functional TEXT NOT NULL,
			estimate TEXT NOT NULL,
			estimate_reason TEXT NOT NULL,
			dependencies_json TEXT NOT NULL,
			status TEXT NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_batch ON stories (batch_id, created_at ASC);`,
		`CREATE TABLE IF NOT EXISTS spec_documents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			constraints TEXT NOT NULL DEFAULT '',
			feedback TEXT NOT NULL DEFAULT '',
			body_json TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (story_id, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_specs_story ON spec_documents (story_id, version DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init planning schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// specBody carries the generated sections of a spec document in one JSON
// column. Workflow columns (status, version, feedback) stay relational so
// they can be updated without rewriting the body.
type specBody struct {
	Overview               string           `json:"overview"`
	Goals                  string           `json:"goals"`
	FunctionalRequirements []map[string]any `json:"functional_requirements"`
	APIContracts           []map[string]any `json:"api_contracts"`
	DataModelChanges       []map[string]any `json:"data_model_changes"`
	SecurityConsiderations string           `json:"security_considerations"`
	ErrorHandling          string           `json:"error_handling"`
	Observability          string           `json:"observability"`
	TestPlan               []map[string]any `json:"test_plan"`
	ImplementationPlan     []map[string]any `json:"implementation_plan"`
	MermaidSequence        string           `json:"mermaid_sequence"`
	MermaidER              string           `json:"mermaid_er"`
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, hashed_password, role, created_at) VALUES ($1,$2,$3,$4,$5)`,
		u.ID, strings.ToLower(u.Email), u.HashedPassword, string(u.Role), u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, email, hashed_password, role, created_at FROM users WHERE id=$1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, email, hashed_password, role, created_at FROM users WHERE email=$1`,
		strings.ToLower(email)))
}

func (s *PostgresStore) scanUser(row pgx.Row) (User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.HashedPassword, &role, &u.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.Role = Role(role)
	return u, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, owner_id, product_request, created_at) VALUES ($1,$2,$3,$4)`,
		p.ID, p.OwnerID, p.ProductRequest, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, product_request, created_at FROM projects WHERE id=$1`, id)
	var p Project
	if err := row.Scan(&p.ID, &p.OwnerID, &p.ProductRequest, &p.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, ownerID string) ([]Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, product_request, created_at FROM projects
		  WHERE owner_id=$1 ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.ProductRequest, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateResearchAppendix(ctx context.Context, a ResearchAppendix) error {
	urls, err := json.Marshal(a.URLs)
	if err != nil {
		return fmt.Errorf("marshal research urls: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO research_appendices (id, project_id, run_id, markdown, urls_json, summary, impact, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.ProjectID, a.RunID, a.Markdown, string(urls), a.Summary, a.Impact, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert research appendix: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestResearch(ctx context.Context, projectID string) (ResearchAppendix, error) {
	return s.scanResearch(s.pool.QueryRow(ctx,
		`SELECT id, project_id, run_id, markdown, urls_json, summary, impact, created_at
		   FROM research_appendices WHERE project_id=$1 ORDER BY created_at DESC LIMIT 1`,
		projectID))
}

func (s *PostgresStore) ResearchByRun(ctx context.Context, runID string) (ResearchAppendix, error) {
	return s.scanResearch(s.pool.QueryRow(ctx,
		`SELECT id, project_id, run_id, markdown, urls_json, summary, impact, created_at
		   FROM research_appendices WHERE run_id=$1`,
		runID))
}

func (s *PostgresStore) scanResearch(row pgx.Row) (ResearchAppendix, error) {
	var (
		a        ResearchAppendix
		urlsJSON string
	)
	if err := row.Scan(&a.ID, &a.ProjectID, &a.RunID, &a.Markdown, &urlsJSON, &a.Summary, &a.Impact, &a.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return ResearchAppendix{}, ErrNotFound
		}
		return ResearchAppendix{}, fmt.Errorf("get research appendix: %w", err)
	}
	if err := json.Unmarshal([]byte(urlsJSON), &a.URLs); err != nil {
		return ResearchAppendix{}, fmt.Errorf("decode research urls: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) CreateEpicBatch(ctx context.Context, b EpicBatch, epics []Epic) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin epic batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO epic_batches (id, project_id, run_id, constraints, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		b.ID, b.ProjectID, b.RunID, b.Constraints, string(b.Status), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert epic batch: %w", err)
	}
	for _, e := range epics {
		deps, err := json.Marshal(e.Dependencies)
		if err != nil {
			return fmt.Errorf("marshal epic dependencies: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO epics (id, project_id, batch_id, title, goal, in_scope, out_of_scope,
			                    priority, priority_reason, dependencies_json, risks, assumptions,
			                    open_questions, success_metrics, status, feedback, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			e.ID, e.ProjectID, e.BatchID, e.Title, e.Goal, e.InScope, e.OutOfScope,
			e.Priority, e.PriorityReason, string(deps), e.Risks, e.Assumptions,
			e.OpenQuestions, e.SuccessMetrics, string(e.Status), e.Feedback, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert epic: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEpicBatch(ctx context.Context, id string) (EpicBatch, error) {
	return s.scanEpicBatch(s.pool.QueryRow(ctx,
		`SELECT id, project_id, run_id, constraints, status, created_at
		   FROM epic_batches WHERE id=$1`, id))
}

func (s *PostgresStore) LatestEpicBatch(ctx context.Context, projectID string) (EpicBatch, error) {
	return s.scanEpicBatch(s.pool.QueryRow(ctx,
		`SELECT id, project_id, run_id, constraints, status, created_at
		   FROM epic_batches WHERE project_id=$1 ORDER BY created_at DESC LIMIT 1`, projectID))
}

func (s *PostgresStore) scanEpicBatch(row pgx.Row) (EpicBatch, error) {
	var (
		b      EpicBatch
		status string
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &b.RunID, &b.Constraints, &status, &b.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return EpicBatch{}, ErrNotFound
		}
		return EpicBatch{}, fmt.Errorf("get epic batch: %w", err)
	}
	b.Status = BatchStatus(status)
	return b, nil
}

func (s *PostgresStore) ListEpics(ctx context.Context, batchID string) ([]Epic, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, batch_id, title, goal, in_scope, out_of_scope,
		        priority, priority_reason, dependencies_json, risks, assumptions,
		        open_questions, success_metrics, status, feedback, created_at
		   FROM epics WHERE batch_id=$1 ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()

	var out []Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetEpic(ctx context.Context, id string) (Epic, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, batch_id, title, goal, in_scope, out_of_scope,
		        priority, priority_reason, dependencies_json, risks, assumptions,
		        open_questions, success_metrics, status, feedback, created_at
		   FROM epics WHERE id=$1`, id)
	e, err := scanEpic(row)
	if err == pgx.ErrNoRows {
		return Epic{}, ErrNotFound
	}
	return e, err
}

func scanEpic(row pgx.Row) (Epic, error) {
	var (
		e        Epic
		depsJSON string
		status   string
	)
	err := row.Scan(&e.ID, &e.ProjectID, &e.BatchID, &e.Title, &e.Goal, &e.InScope, &e.OutOfScope,
		&e.Priority, &e.PriorityReason, &depsJSON, &e.Risks, &e.Assumptions,
		&e.OpenQuestions, &e.SuccessMetrics, &status, &e.Feedback, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Epic{}, err
		}
		return Epic{}, fmt.Errorf("scan epic: %w", err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &e.Dependencies); err != nil {
		return Epic{}, fmt.Errorf("decode epic dependencies: %w", err)
	}
	e.Status = ItemStatus(status)
	return e, nil
}

func (s *PostgresStore) ApproveEpicBatch(ctx context.Context, batchID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE epic_batches SET status=$2 WHERE id=$1`, batchID, string(BatchApproved))
	if err != nil {
		return fmt.Errorf("approve epic batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx,
		`UPDATE epics SET status=$2 WHERE batch_id=$1 AND status=$3`,
		batchID, string(ItemApproved), string(ItemProposed))
	if err != nil {
		return fmt.Errorf("approve epics: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateEpicStatus(ctx context.Context, epicID string, status ItemStatus, feedback string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE epics SET status=$2, feedback=$3 WHERE id=$1`,
		epicID, string(status), feedback)
	if err != nil {
		return fmt.Errorf("update epic status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateStoryBatch(ctx context.Context, b StoryBatch, stories []Story) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin story batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO story_batches (id, project_id, epic_id, run_id, constraints, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.ProjectID, b.EpicID, b.RunID, b.Constraints, string(b.Status), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert story batch: %w", err)
	}
	for _, st := range stories {
		acceptance, err := json.Marshal(st.AcceptanceCriteria)
		if err != nil {
			return fmt.Errorf("marshal acceptance criteria: %w", err)
		}
		deps, err := json.Marshal(st.Dependencies)
		if err != nil {
			return fmt.Errorf("marshal story dependencies: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO stories (id, project_id, epic_id, batch_id, statement, acceptance_json,
			                      edge_cases, non_functional, estimate, estimate_reason,
			                      dependencies_json, status, feedback, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			st.ID, st.ProjectID, st.EpicID, st.BatchID, st.Statement, string(acceptance),
			st.EdgeCases, st.NonFunctional, st.Estimate, st.EstimateReason,
			string(deps), string(st.Status), st.Feedback, st.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert story: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetStoryBatch(ctx context.Context, id string) (StoryBatch, error) {
	return s.scanStoryBatch(s.pool.QueryRow(ctx,
		`SELECT id, project_id, epic_id, run_id, constraints, status, created_at
		   FROM story_batches WHERE id=$1`, id))
}

func (s *PostgresStore) LatestStoryBatch(ctx context.Context, epicID string) (StoryBatch, error) {
	return s.scanStoryBatch(s.pool.QueryRow(ctx,
		`SELECT id, project_id, epic_id, run_id, constraints, status, created_at
		   FROM story_batches WHERE epic_id=$1 ORDER BY created_at DESC LIMIT 1`, epicID))
}

func (s *PostgresStore) scanStoryBatch(row pgx.Row) (StoryBatch, error) {
	var (
		b      StoryBatch
		status string
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &b.EpicID, &b.RunID, &b.Constraints, &status, &b.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return StoryBatch{}, ErrNotFound
		}
		return StoryBatch{}, fmt.Errorf("get story batch: %w", err)
	}
	b.Status = BatchStatus(status)
	return b, nil
}

func (s *PostgresStore) ListStories(ctx context.Context, batchID string) ([]Story, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, epic_id, batch_id, statement, acceptance_json,
		        edge_cases, non_functional, estimate, estimate_reason,
		        dependencies_json, status, feedback, created_at
		   FROM stories WHERE batch_id=$1 ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var out []Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetStory(ctx context.Context, id string) (Story, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, epic_id, batch_id, statement, acceptance_json,
		        edge_cases, non_functional, estimate, estimate_reason,
		        dependencies_json, status, feedback, created_at
		   FROM stories WHERE id=$1`, id)
	st, err := scanStory(row)
	if err == pgx.ErrNoRows {
		return Story{}, ErrNotFound
	}
	return st, err
}

func scanStory(row pgx.Row) (Story, error) {
	var (
		st             Story
		acceptanceJSON string
		depsJSON       string
		status         string
	)
	err := row.Scan(&st.ID, &st.ProjectID, &st.EpicID, &st.BatchID, &st.Statement, &acceptanceJSON,
		&st.EdgeCases, &st.NonFunctional, &st.Estimate, &st.EstimateReason,
		&depsJSON, &status, &st.Feedback, &st.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Story{}, err
		}
		return Story{}, fmt.Errorf("scan story: %w", err)
	}
	if err := json.Unmarshal([]byte(acceptanceJSON), &st.AcceptanceCriteria); err != nil {
		return Story{}, fmt.Errorf("decode acceptance criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &st.Dependencies); err != nil {
		return Story{}, fmt.Errorf("decode story dependencies: %w", err)
	}
	st.Status = ItemStatus(status)
	return st, nil
}

func (s *PostgresStore) ApproveStoryBatch(ctx context.Context, batchID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE story_batches SET status=$2 WHERE id=$1`, batchID, string(BatchApproved))
	if err != nil {
		return fmt.Errorf("approve story batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx,
		`UPDATE stories SET status=$2 WHERE batch_id=$1 AND status=$3`,
		batchID, string(ItemApproved), string(ItemProposed))
	if err != nil {
		return fmt.Errorf("approve stories: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateStoryStatus(ctx context.Context, storyID string, status ItemStatus, feedback string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stories SET status=$2, feedback=$3 WHERE id=$1`,
		storyID, string(status), feedback)
	if err != nil {
		return fmt.Errorf("update story status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSpec(ctx context.Context, d SpecDocument) (SpecDocument, error) {
	body := specBody{
		Overview:               d.Overview,
		Goals:                  d.Goals,
		FunctionalRequirements: d.FunctionalRequirements,
		APIContracts:           d.APIContracts,
		DataModelChanges:       d.DataModelChanges,
		SecurityConsiderations: d.SecurityConsiderations,
		ErrorHandling:          d.ErrorHandling,
		Observability:          d.Observability,
		TestPlan:               d.TestPlan,
		ImplementationPlan:     d.ImplementationPlan,
		MermaidSequence:        d.MermaidSequence,
		MermaidER:              d.MermaidER,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return SpecDocument{}, fmt.Errorf("marshal spec body: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SpecDocument{}, fmt.Errorf("begin spec tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The version read and the insert share a transaction; the unique
	// (story_id, version) constraint catches a concurrent writer.
	var maxVersion int
	row := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM spec_documents WHERE story_id=$1`, d.StoryID)
	if err := row.Scan(&maxVersion); err != nil {
		return SpecDocument{}, fmt.Errorf("read spec version: %w", err)
	}
	d.Version = maxVersion + 1

	_, err = tx.Exec(ctx,
		`INSERT INTO spec_documents (id, project_id, story_id, version, status, constraints, feedback, body_json, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.ProjectID, d.StoryID, d.Version, string(d.Status), d.Constraints, d.Feedback, string(raw), d.CreatedAt,
	)
	if err != nil {
		return SpecDocument{}, fmt.Errorf("insert spec document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return SpecDocument{}, fmt.Errorf("commit spec tx: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetSpec(ctx context.Context, id string) (SpecDocument, error) {
	return s.scanSpec(s.pool.QueryRow(ctx,
		`SELECT id, project_id, story_id, version, status, constraints, feedback, body_json, created_at
		   FROM spec_documents WHERE id=$1`, id))
}

func (s *PostgresStore) LatestSpec(ctx context.Context, storyID string) (SpecDocument, error) {
	return s.scanSpec(s.pool.QueryRow(ctx,
		`SELECT id, project_id, story_id, version, status, constraints, feedback, body_json, created_at
		   FROM spec_documents WHERE story_id=$1 ORDER BY version DESC LIMIT 1`, storyID))
}

func (s *PostgresStore) scanSpec(row pgx.Row) (SpecDocument, error) {
	var (
		d        SpecDocument
		status   string
		bodyJSON string
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &d.StoryID, &d.Version, &status, &d.Constraints, &d.Feedback, &bodyJSON, &d.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return SpecDocument{}, ErrNotFound
		}
		return SpecDocument{}, fmt.Errorf("get spec document: %w", err)
	}
	var body specBody
	if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
		return SpecDocument{}, fmt.Errorf("decode spec body: %w", err)
	}
	d.Status = SpecStatus(status)
	d.Overview = body.Overview
	d.Goals = body.Goals
	d.FunctionalRequirements = body.FunctionalRequirements
	d.APIContracts = body.APIContracts
	d.DataModelChanges = body.DataModelChanges
	d.SecurityConsiderations = body.SecurityConsiderations
	d.ErrorHandling = body.ErrorHandling
	d.Observability = body.Observability
	d.TestPlan = body.TestPlan
	d.ImplementationPlan = body.ImplementationPlan
	d.MermaidSequence = body.MermaidSequence
	d.MermaidER = body.MermaidER
	return d, nil
}

func (s *PostgresStore) UpdateSpecStatus(ctx context.Context, specID string, status SpecStatus, feedback string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE spec_documents SET status=$2, feedback=CASE WHEN $3 <> '' THEN $3 ELSE feedback END WHERE id=$1`,
		specID, string(status), feedback)
	if err != nil {
		return fmt.Errorf("update spec status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
