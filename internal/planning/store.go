package planning

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("planning: not found")

// ErrConflict reports a write that lost to an existing row, such as a second
// user signing up with the same email.
var ErrConflict = errors.New("planning: conflict")

// Store persists the planning domain. Batch writes are atomic: an epic or
// story batch commits together with all of its items or not at all, and spec
// versions are assigned inside the same write that inserts the document.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]Project, error)

	CreateResearchAppendix(ctx context.Context, a ResearchAppendix) error
	LatestResearch(ctx context.Context, projectID string) (ResearchAppendix, error)
	ResearchByRun(ctx context.Context, runID string) (ResearchAppendix, error)

	CreateEpicBatch(ctx context.Context, b EpicBatch, epics []Epic) error
	GetEpicBatch(ctx context.Context, id string) (EpicBatch, error)
	LatestEpicBatch(ctx context.Context, projectID string) (EpicBatch, error)
	ListEpics(ctx context.Context, batchID string) ([]Epic, error)
	GetEpic(ctx context.Context, id string) (Epic, error)
	ApproveEpicBatch(ctx context.Context, batchID string) error
	UpdateEpicStatus(ctx context.Context, epicID string, status ItemStatus, feedback string) error

	CreateStoryBatch(ctx context.Context, b StoryBatch, stories []Story) error
	GetStoryBatch(ctx context.Context, id string) (StoryBatch, error)
	LatestStoryBatch(ctx context.Context, epicID string) (StoryBatch, error)
	ListStories(ctx context.Context, batchID string) ([]Story, error)
	GetStory(ctx context.Context, id string) (Story, error)
	ApproveStoryBatch(ctx context.Context, batchID string) error
	UpdateStoryStatus(ctx context.Context, storyID string, status ItemStatus, feedback string) error

	// CreateSpec assigns the next version number for the story and returns
	// the stored document.
	CreateSpec(ctx context.Context, d SpecDocument) (SpecDocument, error)
	GetSpec(ctx context.Context, id string) (SpecDocument, error)
	LatestSpec(ctx context.Context, storyID string) (SpecDocument, error)
	UpdateSpecStatus(ctx context.Context, specID string, status SpecStatus, feedback string) error

	Close()
}

// NewStore picks the backend from the database URL: an empty URL selects the
// in-memory store, anything else is treated as a postgres DSN.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
