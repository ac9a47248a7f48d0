// Package jobs runs the generation work behind planning runs: research,
// epic, story, and spec generation. Every job follows the same contract:
// preconditions are checked before a run is created, progress is emitted as
// run events, and the run always ends in exactly one terminal status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/planforge/internal/generation"
	"github.com/planforge/planforge/internal/observability"
	"github.com/planforge/planforge/internal/planning"
	"github.com/planforge/planforge/internal/runs"
)

var (
	// ErrResearchRequired gates epic generation on an existing research
	// appendix for the project.
	ErrResearchRequired = errors.New("jobs: no research appendix found; run research first")
	// ErrEpicNotApproved gates story generation on an approved epic.
	ErrEpicNotApproved = errors.New("jobs: epic must be approved before generating stories")
)

// StartHook runs right after a job's run is created, before any generation
// work. Session controllers use it to attach event forwarding so the client
// sees the run from its first event.
type StartHook func(run runs.Run)

type Executor struct {
	runs     *runs.Service
	store    planning.Store
	research generation.Researcher
	epics    generation.EpicGenerator
	stories  generation.StoryGenerator
	specs    generation.SpecGenerator
	metrics  *observability.Metrics
	timeout  time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewExecutor(
	runSvc *runs.Service,
	store planning.Store,
	research generation.Researcher,
	epics generation.EpicGenerator,
	stories generation.StoryGenerator,
	specs generation.SpecGenerator,
	metrics *observability.Metrics,
	timeout time.Duration,
) *Executor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Executor{
		runs:     runSvc,
		store:    store,
		research: research,
		epics:    epics,
		stories:  stories,
		specs:    specs,
		metrics:  metrics,
		timeout:  timeout,
		cancels:  make(map[string]context.CancelFunc),
	}
}

type ResearchResult struct {
	Run      runs.Run
	Appendix planning.ResearchAppendix
}

type EpicResult struct {
	Run         runs.Run
	BatchID     string
	Constraints string
	Epics       []planning.Epic
	Mermaid     string
}

type StoryResult struct {
	Run     runs.Run
	BatchID string
	Stories []planning.Story
}

type SpecResult struct {
	Run  runs.Run
	Spec planning.SpecDocument
}

// GenerateResearch runs web research for the project and persists the result
// as a research appendix.
func (e *Executor) GenerateResearch(ctx context.Context, projectID string, onStart StartHook) (ResearchResult, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return ResearchResult{}, err
	}

	run, err := e.runs.StartRun(ctx, projectID, runs.TypeResearch)
	if err != nil {
		return ResearchResult{}, err
	}
	if onStart != nil {
		onStart(run)
	}

	appendix, err := e.guarded(ctx, run, "research", func(ctx context.Context) (any, error) {
		return e.researchBody(ctx, run, project)
	})
	if err != nil {
		return ResearchResult{Run: run}, err
	}
	return ResearchResult{Run: run, Appendix: appendix.(planning.ResearchAppendix)}, nil
}

// SubmitResearch starts a research run and executes it in the background
// under the job timeout. The returned run is already persisted, so callers
// can hand its id to clients immediately.
func (e *Executor) SubmitResearch(projectID string) (runs.Run, error) {
	ctx := context.Background()
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return runs.Run{}, err
	}

	run, err := e.runs.StartRun(ctx, project.ID, runs.TypeResearch)
	if err != nil {
		return runs.Run{}, err
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), e.timeout)
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, run.ID)
			e.mu.Unlock()
		}()

		_, _ = e.guarded(jobCtx, run, "research", func(ctx context.Context) (any, error) {
			return e.researchBody(ctx, run, project)
		})
	}()

	return run, nil
}

// researchBody is the shared work of a research run: search, build the
// appendix, persist it, emit progress.
func (e *Executor) researchBody(ctx context.Context, run runs.Run, project planning.Project) (planning.ResearchAppendix, error) {
	e.emit(ctx, run.ID, runs.LevelInfo, "research.started", "Research started", nil)

	var searches []generation.SearchResult
	for _, q := range generation.ResearchQueries(project.ProductRequest) {
		result, err := e.research.Search(ctx, q)
		if err != nil {
			log.Printf("run %s: search %q failed: %v", run.ID, q, err)
			e.emit(ctx, run.ID, runs.LevelWarning, "research.query.failed",
				fmt.Sprintf("Search failed for %q", q), map[string]any{"reason": errorClass(err)})
			continue
		}
		e.emit(ctx, run.ID, runs.LevelInfo, "research.query.completed",
			fmt.Sprintf("Search completed for %q", q), map[string]any{"results": len(result.Results)})
		searches = append(searches, result)
	}
	if len(searches) == 0 {
		return planning.ResearchAppendix{}, errors.New("all research searches failed")
	}

	built := generation.BuildAppendix(project.ProductRequest, searches)
	appendix := planning.ResearchAppendix{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		RunID:     run.ID,
		Markdown:  built.Markdown,
		URLs:      built.URLs,
		Summary:   built.Summary,
		Impact:    built.Impact,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateResearchAppendix(ctx, appendix); err != nil {
		return planning.ResearchAppendix{}, fmt.Errorf("persist research appendix: %w", err)
	}

	e.emit(ctx, run.ID, runs.LevelInfo, "research.completed",
		fmt.Sprintf("Research completed with %d sources", len(appendix.URLs)),
		map[string]any{"appendix_id": appendix.ID, "url_count": len(appendix.URLs)})
	return appendix, nil
}

// GenerateEpics produces an epic batch grounded in the project's latest
// research. It refuses to start a run when no research appendix exists.
func (e *Executor) GenerateEpics(ctx context.Context, projectID, constraints string, count int, onStart StartHook) (EpicResult, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return EpicResult{}, err
	}
	research, err := e.store.LatestResearch(ctx, projectID)
	if err != nil {
		if errors.Is(err, planning.ErrNotFound) {
			return EpicResult{}, ErrResearchRequired
		}
		return EpicResult{}, err
	}

	run, err := e.runs.StartRun(ctx, projectID, runs.TypeEpicGeneration)
	if err != nil {
		return EpicResult{}, err
	}
	if onStart != nil {
		onStart(run)
	}

	out, err := e.guarded(ctx, run, "epics", func(ctx context.Context) (any, error) {
		e.emit(ctx, run.ID, runs.LevelInfo, "epics.started", "Epic generation started", nil)

		generated, err := e.epics.GenerateEpics(ctx, generation.EpicInput{
			ProductRequest:  project.ProductRequest,
			ResearchSummary: research.Summary,
			Citations:       research.URLs,
			Constraints:     constraints,
			Count:           count,
		})
		if err != nil {
			return nil, fmt.Errorf("generate epics: %w", err)
		}

		now := time.Now().UTC()
		batch := planning.EpicBatch{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			RunID:       run.ID,
			Constraints: constraints,
			Status:      planning.BatchGenerated,
			CreatedAt:   now,
		}
		rows := make([]planning.Epic, 0, len(generated))
		for i, g := range generated {
			rows = append(rows, planning.Epic{
				ID:             uuid.NewString(),
				ProjectID:      projectID,
				BatchID:        batch.ID,
				Title:          g.Title,
				Goal:           g.Goal,
				InScope:        g.InScope,
				OutOfScope:     g.OutOfScope,
				Priority:       g.Priority,
				PriorityReason: g.PriorityReason,
				Dependencies:   g.Dependencies,
				Risks:          g.Risks,
				Assumptions:    g.Assumptions,
				OpenQuestions:  g.OpenQuestions,
				SuccessMetrics: g.SuccessMetrics,
				Status:         planning.ItemProposed,
				CreatedAt:      now.Add(time.Duration(i) * time.Microsecond),
			})
		}
		if err := e.store.CreateEpicBatch(ctx, batch, rows); err != nil {
			return nil, fmt.Errorf("persist epic batch: %w", err)
		}

		mermaid := generation.DependencyGraph(generated)

		e.emit(ctx, run.ID, runs.LevelInfo, "epics.generated",
			fmt.Sprintf("Generated %d epics", len(rows)),
			map[string]any{"batch_id": batch.ID, "constraints": constraints, "epics": epicSummaries(rows)})
		e.emit(ctx, run.ID, runs.LevelInfo, "epics.mermaid",
			"Mermaid dependency graph rendered", map[string]any{"mermaid": mermaid})

		return EpicResult{Run: run, BatchID: batch.ID, Constraints: constraints, Epics: rows, Mermaid: mermaid}, nil
	})
	if err != nil {
		return EpicResult{Run: run}, err
	}
	return out.(EpicResult), nil
}

// GenerateStories produces a story batch for one approved epic.
func (e *Executor) GenerateStories(ctx context.Context, projectID, epicID, constraints string, count int, onStart StartHook) (StoryResult, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return StoryResult{}, err
	}
	epic, err := e.store.GetEpic(ctx, epicID)
	if err != nil {
		return StoryResult{}, err
	}
	if epic.ProjectID != projectID {
		return StoryResult{}, planning.ErrNotFound
	}
	if epic.Status != planning.ItemApproved {
		return StoryResult{}, ErrEpicNotApproved
	}

	run, err := e.runs.StartRun(ctx, projectID, runs.TypeStoryGeneration)
	if err != nil {
		return StoryResult{}, err
	}
	if onStart != nil {
		onStart(run)
	}

	out, err := e.guarded(ctx, run, "stories", func(ctx context.Context) (any, error) {
		e.emit(ctx, run.ID, runs.LevelInfo, "stories.started", "Story generation started", nil)

		generated, err := e.stories.GenerateStories(ctx, generation.StoryInput{
			ProductRequest: project.ProductRequest,
			EpicTitle:      epic.Title,
			EpicGoal:       epic.Goal,
			Constraints:    constraints,
			Count:          count,
		})
		if err != nil {
			return nil, fmt.Errorf("generate stories: %w", err)
		}

		now := time.Now().UTC()
		batch := planning.StoryBatch{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			EpicID:      epicID,
			RunID:       run.ID,
			Constraints: constraints,
			Status:      planning.BatchGenerated,
			CreatedAt:   now,
		}
		rows := make([]planning.Story, 0, len(generated))
		for i, g := range generated {
			rows = append(rows, planning.Story{
				ID:                 uuid.NewString(),
				ProjectID:          projectID,
				EpicID:             epicID,
				BatchID:            batch.ID,
				Statement:          g.Statement,
				AcceptanceCriteria: g.AcceptanceCriteria,
				EdgeCases:          g.EdgeCases,
				NonFunctional:      g.NonFunctional,
				Estimate:           g.Estimate,
				EstimateReason:     g.EstimateReason,
				Dependencies:       g.Dependencies,
				Status:             planning.ItemProposed,
				CreatedAt:          now.Add(time.Duration(i) * time.Microsecond),
			})
		}
		if err := e.store.CreateStoryBatch(ctx, batch, rows); err != nil {
			return nil, fmt.Errorf("persist story batch: %w", err)
		}

		e.emit(ctx, run.ID, runs.LevelInfo, "stories.generated",
			fmt.Sprintf("Generated %d stories", len(rows)),
			map[string]any{"batch_id": batch.ID, "constraints": constraints})

		return StoryResult{Run: run, BatchID: batch.ID, Stories: rows}, nil
	})
	if err != nil {
		return StoryResult{Run: run}, err
	}
	return out.(StoryResult), nil
}

// GenerateSpec produces the next spec document version for a story.
func (e *Executor) GenerateSpec(ctx context.Context, projectID, storyID, constraints, feedback string, onStart StartHook) (SpecResult, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return SpecResult{}, err
	}
	story, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return SpecResult{}, err
	}
	if story.ProjectID != projectID {
		return SpecResult{}, planning.ErrNotFound
	}

	run, err := e.runs.StartRun(ctx, projectID, runs.TypeSpecGeneration)
	if err != nil {
		return SpecResult{}, err
	}
	if onStart != nil {
		onStart(run)
	}

	out, err := e.guarded(ctx, run, "specs", func(ctx context.Context) (any, error) {
		e.emit(ctx, run.ID, runs.LevelInfo, "specs.started", "Spec generation started", nil)

		generated, err := e.specs.GenerateSpec(ctx, generation.SpecInput{
			ProductRequest:     project.ProductRequest,
			StoryStatement:     story.Statement,
			AcceptanceCriteria: story.AcceptanceCriteria,
			Constraints:        constraints,
			Feedback:           feedback,
		})
		if err != nil {
			return nil, fmt.Errorf("generate spec: %w", err)
		}

		doc, err := e.store.CreateSpec(ctx, planning.SpecDocument{
			ID:                     uuid.NewString(),
			ProjectID:              projectID,
			StoryID:                storyID,
			Status:                 planning.SpecProposed,
			Constraints:            constraints,
			Feedback:               feedback,
			Overview:               generated.Overview,
			Goals:                  generated.Goals,
			FunctionalRequirements: generated.FunctionalRequirements,
			APIContracts:           generated.APIContracts,
			DataModelChanges:       generated.DataModelChanges,
			SecurityConsiderations: generated.SecurityConsiderations,
			ErrorHandling:          generated.ErrorHandling,
			Observability:          generated.Observability,
			TestPlan:               generated.TestPlan,
			ImplementationPlan:     generated.ImplementationPlan,
			MermaidSequence:        generated.MermaidSequence,
			MermaidER:              generated.MermaidER,
			CreatedAt:              time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("persist spec document: %w", err)
		}

		e.emit(ctx, run.ID, runs.LevelInfo, "specs.generated",
			fmt.Sprintf("Spec v%d generated", doc.Version), map[string]any{"spec_id": doc.ID})

		return SpecResult{Run: run, Spec: doc}, nil
	})
	if err != nil {
		return SpecResult{Run: run}, err
	}
	return out.(SpecResult), nil
}

// CancelRun cancels a background job by run id. Returns false when no job
// with that id is running.
func (e *Executor) CancelRun(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Close cancels all background jobs and waits for them to settle.
func (e *Executor) Close() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// guarded wraps a job body with the run lifecycle: panics become failures,
// any error emits a terminal <stage>.error event and fails the run, success
// completes it. Job duration is always observed.
func (e *Executor) guarded(ctx context.Context, run runs.Run, stage string, body func(ctx context.Context) (any, error)) (out any, err error) {
	started := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveJobDuration(string(run.RunType), time.Since(started))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
		// Terminal bookkeeping uses a fresh context so a canceled or
		// timed-out job still records its outcome.
		finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err != nil {
			// The raw error can carry upstream response bodies; the event
			// only gets the stable class.
			log.Printf("run %s: %s job failed: %v", run.ID, stage, err)
			e.emit(finishCtx, run.ID, runs.LevelError, stage+".error",
				fmt.Sprintf("%s generation failed", stage),
				map[string]any{"reason": errorClass(err)})
			_ = e.runs.FailRun(finishCtx, run.ID)
			return
		}
		_ = e.runs.CompleteRun(finishCtx, run.ID)
	}()

	return body(ctx)
}

// errorClass maps a job failure to a stable, non-sensitive classification
// for run events.
func errorClass(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, planning.ErrNotFound):
		return "not_found"
	case errors.Is(err, generation.ErrProvider):
		return "provider_error"
	default:
		return "internal_error"
	}
}

func (e *Executor) emit(ctx context.Context, runID string, level runs.Level, eventType, message string, payload map[string]any) {
	if _, err := e.runs.Emit(ctx, runID, level, eventType, message, payload); err != nil {
		log.Printf("run %s: emit %s failed: %v", runID, eventType, err)
	}
}

func epicSummaries(epics []planning.Epic) []map[string]any {
	out := make([]map[string]any, 0, len(epics))
	for _, ep := range epics {
		out = append(out, map[string]any{
			"id":       ep.ID,
			"title":    ep.Title,
			"priority": ep.Priority,
			"status":   string(ep.Status),
		})
	}
	return out
}
