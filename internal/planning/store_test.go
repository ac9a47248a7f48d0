package planning

import (
	"context"
	"testing"
	"time"
)

func seedProject(t *testing.T, store *MemoryStore) Project {
	t.Helper()
	ctx := context.Background()
	user := User{ID: "u1", Email: "owner@example.com", HashedPassword: "x", Role: RoleUser, CreatedAt: time.Now()}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	project := Project{ID: "p1", OwnerID: user.ID, ProductRequest: "a trip planner", CreatedAt: time.Now()}
	if err := store.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := User{ID: "u1", Email: "dup@example.com", HashedPassword: "x", Role: RoleUser, CreatedAt: time.Now()}
	if err := store.CreateUser(ctx, first); err != nil {
		t.Fatalf("create user: %v", err)
	}
	second := User{ID: "u2", Email: "Dup@Example.com", HashedPassword: "y", Role: RoleUser, CreatedAt: time.Now()}
	if err := store.CreateUser(ctx, second); err != ErrConflict {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}
	got, err := store.GetUserByEmail(ctx, "DUP@example.com")
	if err != nil {
		t.Fatalf("lookup by email: %v", err)
	}
	if got.ID != "u1" {
		t.Fatalf("expected original user, got %q", got.ID)
	}
}

func TestEpicBatchCommitsWithItems(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	project := seedProject(t, store)

	now := time.Now()
	batch := EpicBatch{ID: "b1", ProjectID: project.ID, Status: BatchGenerated, CreatedAt: now}
	epics := []Epic{
		{ID: "e1", ProjectID: project.ID, BatchID: batch.ID, Title: "Auth", Status: ItemProposed, CreatedAt: now},
		{ID: "e2", ProjectID: project.ID, BatchID: batch.ID, Title: "Search", Dependencies: []string{"e1"}, Status: ItemProposed, CreatedAt: now.Add(time.Millisecond)},
	}
	if err := store.CreateEpicBatch(ctx, batch, epics); err != nil {
		t.Fatalf("create epic batch: %v", err)
	}

	latest, err := store.LatestEpicBatch(ctx, project.ID)
	if err != nil {
		t.Fatalf("latest epic batch: %v", err)
	}
	if latest.ID != batch.ID {
		t.Fatalf("latest batch = %q, want %q", latest.ID, batch.ID)
	}
	list, err := store.ListEpics(ctx, batch.ID)
	if err != nil {
		t.Fatalf("list epics: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 epics, got %d", len(list))
	}
	if list[0].ID != "e1" || list[1].ID != "e2" {
		t.Fatalf("epics out of order: %q, %q", list[0].ID, list[1].ID)
	}
}

func TestEpicBatchRequiresProject(t *testing.T) {
	store := NewMemoryStore()
	batch := EpicBatch{ID: "b1", ProjectID: "missing", Status: BatchGenerated, CreatedAt: time.Now()}
	if err := store.CreateEpicBatch(context.Background(), batch, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApproveEpicBatchPromotesProposedOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	project := seedProject(t, store)

	now := time.Now()
	batch := EpicBatch{ID: "b1", ProjectID: project.ID, Status: BatchGenerated, CreatedAt: now}
	epics := []Epic{
		{ID: "e1", ProjectID: project.ID, BatchID: batch.ID, Status: ItemProposed, CreatedAt: now},
		{ID: "e2", ProjectID: project.ID, BatchID: batch.ID, Status: ItemRejected, Feedback: "out of scope", CreatedAt: now},
	}
	if err := store.CreateEpicBatch(ctx, batch, epics); err != nil {
		t.Fatalf("create epic batch: %v", err)
	}
	if err := store.ApproveEpicBatch(ctx, batch.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, err := store.GetEpicBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != BatchApproved {
		t.Fatalf("batch status = %q, want approved", got.Status)
	}
	e1, _ := store.GetEpic(ctx, "e1")
	if e1.Status != ItemApproved {
		t.Fatalf("proposed epic should be approved, got %q", e1.Status)
	}
	e2, _ := store.GetEpic(ctx, "e2")
	if e2.Status != ItemRejected {
		t.Fatalf("rejected epic must stay rejected, got %q", e2.Status)
	}
}

func TestStoryBatchRequiresEpic(t *testing.T) {
	store := NewMemoryStore()
	batch := StoryBatch{ID: "sb1", ProjectID: "p1", EpicID: "missing", Status: BatchGenerated, CreatedAt: time.Now()}
	if err := store.CreateStoryBatch(context.Background(), batch, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSpecVersionsCountUpPerStory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	project := seedProject(t, store)

	now := time.Now()
	epicBatch := EpicBatch{ID: "b1", ProjectID: project.ID, Status: BatchApproved, CreatedAt: now}
	epic := Epic{ID: "e1", ProjectID: project.ID, BatchID: epicBatch.ID, Status: ItemApproved, CreatedAt: now}
	if err := store.CreateEpicBatch(ctx, epicBatch, []Epic{epic}); err != nil {
		t.Fatalf("create epic batch: %v", err)
	}
	storyBatch := StoryBatch{ID: "sb1", ProjectID: project.ID, EpicID: epic.ID, Status: BatchApproved, CreatedAt: now}
	stories := []Story{
		{ID: "s1", ProjectID: project.ID, EpicID: epic.ID, BatchID: storyBatch.ID, Status: ItemApproved, CreatedAt: now},
		{ID: "s2", ProjectID: project.ID, EpicID: epic.ID, BatchID: storyBatch.ID, Status: ItemApproved, CreatedAt: now},
	}
	if err := store.CreateStoryBatch(ctx, storyBatch, stories); err != nil {
		t.Fatalf("create story batch: %v", err)
	}

	v1, err := store.CreateSpec(ctx, SpecDocument{ID: "d1", ProjectID: project.ID, StoryID: "s1", Status: SpecProposed, CreatedAt: now})
	if err != nil {
		t.Fatalf("create spec: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("first spec version = %d, want 1", v1.Version)
	}
	v2, err := store.CreateSpec(ctx, SpecDocument{ID: "d2", ProjectID: project.ID, StoryID: "s1", Status: SpecProposed, CreatedAt: now})
	if err != nil {
		t.Fatalf("create spec v2: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("second spec version = %d, want 2", v2.Version)
	}

	// Versions track the story, not the project.
	other, err := store.CreateSpec(ctx, SpecDocument{ID: "d3", ProjectID: project.ID, StoryID: "s2", Status: SpecProposed, CreatedAt: now})
	if err != nil {
		t.Fatalf("create spec for other story: %v", err)
	}
	if other.Version != 1 {
		t.Fatalf("other story first version = %d, want 1", other.Version)
	}

	latest, err := store.LatestSpec(ctx, "s1")
	if err != nil {
		t.Fatalf("latest spec: %v", err)
	}
	if latest.ID != "d2" {
		t.Fatalf("latest spec = %q, want d2", latest.ID)
	}
}

func TestUpdateSpecStatusKeepsFeedbackWhenBlank(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	project := seedProject(t, store)

	now := time.Now()
	epicBatch := EpicBatch{ID: "b1", ProjectID: project.ID, Status: BatchApproved, CreatedAt: now}
	epic := Epic{ID: "e1", ProjectID: project.ID, BatchID: epicBatch.ID, Status: ItemApproved, CreatedAt: now}
	if err := store.CreateEpicBatch(ctx, epicBatch, []Epic{epic}); err != nil {
		t.Fatalf("create epic batch: %v", err)
	}
	storyBatch := StoryBatch{ID: "sb1", ProjectID: project.ID, EpicID: epic.ID, Status: BatchApproved, CreatedAt: now}
	story := Story{ID: "s1", ProjectID: project.ID, EpicID: epic.ID, BatchID: storyBatch.ID, Status: ItemApproved, CreatedAt: now}
	if err := store.CreateStoryBatch(ctx, storyBatch, []Story{story}); err != nil {
		t.Fatalf("create story batch: %v", err)
	}
	doc, err := store.CreateSpec(ctx, SpecDocument{ID: "d1", ProjectID: project.ID, StoryID: "s1", Status: SpecProposed, CreatedAt: now})
	if err != nil {
		t.Fatalf("create spec: %v", err)
	}

	if err := store.UpdateSpecStatus(ctx, doc.ID, SpecRejected, "needs a data model"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := store.UpdateSpecStatus(ctx, doc.ID, SpecApproved, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, err := store.GetSpec(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get spec: %v", err)
	}
	if got.Status != SpecApproved {
		t.Fatalf("status = %q, want approved", got.Status)
	}
	if got.Feedback != "needs a data model" {
		t.Fatalf("feedback lost on approve: %q", got.Feedback)
	}
}

func TestListProjectsScopedToOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, u := range []User{
		{ID: "u1", Email: "a@example.com", Role: RoleUser, CreatedAt: time.Now()},
		{ID: "u2", Email: "b@example.com", Role: RoleUser, CreatedAt: time.Now()},
	} {
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	base := time.Now()
	for i, p := range []Project{
		{ID: "p1", OwnerID: "u1", ProductRequest: "one"},
		{ID: "p2", OwnerID: "u2", ProductRequest: "two"},
		{ID: "p3", OwnerID: "u1", ProductRequest: "three"},
	} {
		p.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := store.CreateProject(ctx, p); err != nil {
			t.Fatalf("create project: %v", err)
		}
	}

	got, err := store.ListProjects(ctx, "u1")
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p3" {
		t.Fatalf("unexpected projects for u1: %+v", got)
	}
}
