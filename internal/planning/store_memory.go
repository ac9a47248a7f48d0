package planning

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps the planning domain in process memory. It backs tests and
// local runs without a database.
type MemoryStore struct {
	mu sync.RWMutex

	users    map[string]User
	byEmail  map[string]string
	projects map[string]Project
	research map[string]ResearchAppendix

	epicBatches  map[string]EpicBatch
	epics        map[string]Epic
	storyBatches map[string]StoryBatch
	stories      map[string]Story
	specs        map[string]SpecDocument
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]User),
		byEmail:      make(map[string]string),
		projects:     make(map[string]Project),
		research:     make(map[string]ResearchAppendix),
		epicBatches:  make(map[string]EpicBatch),
		epics:        make(map[string]Epic),
		storyBatches: make(map[string]StoryBatch),
		stories:      make(map[string]Story),
		specs:        make(map[string]SpecDocument),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u User) error {
	key := strings.ToLower(u.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[key]; exists {
		return ErrConflict
	}
	s.users[u.ID] = u
	s.byEmail[key] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) CreateProject(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListProjects(_ context.Context, ownerID string) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Project
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateResearchAppendix(_ context.Context, a ResearchAppendix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[a.ProjectID]; !ok {
		return ErrNotFound
	}
	a.URLs = cloneStrings(a.URLs)
	s.research[a.ID] = a
	return nil
}

func (s *MemoryStore) LatestResearch(_ context.Context, projectID string) (ResearchAppendix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest ResearchAppendix
	found := false
	for _, a := range s.research {
		if a.ProjectID != projectID {
			continue
		}
		if !found || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
			found = true
		}
	}
	if !found {
		return ResearchAppendix{}, ErrNotFound
	}
	latest.URLs = cloneStrings(latest.URLs)
	return latest, nil
}

func (s *MemoryStore) ResearchByRun(_ context.Context, runID string) (ResearchAppendix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.research {
		if a.RunID == runID {
			a.URLs = cloneStrings(a.URLs)
			return a, nil
		}
	}
	return ResearchAppendix{}, ErrNotFound
}

func (s *MemoryStore) CreateEpicBatch(_ context.Context, b EpicBatch, epics []Epic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[b.ProjectID]; !ok {
		return ErrNotFound
	}
	s.epicBatches[b.ID] = b
	for _, e := range epics {
		e.Dependencies = cloneStrings(e.Dependencies)
		s.epics[e.ID] = e
	}
	return nil
}

func (s *MemoryStore) GetEpicBatch(_ context.Context, id string) (EpicBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.epicBatches[id]
	if !ok {
		return EpicBatch{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) LatestEpicBatch(_ context.Context, projectID string) (EpicBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest EpicBatch
	found := false
	for _, b := range s.epicBatches {
		if b.ProjectID != projectID {
			continue
		}
		if !found || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
			found = true
		}
	}
	if !found {
		return EpicBatch{}, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) ListEpics(_ context.Context, batchID string) ([]Epic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Epic
	for _, e := range s.epics {
		if e.BatchID == batchID {
			e.Dependencies = cloneStrings(e.Dependencies)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetEpic(_ context.Context, id string) (Epic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.epics[id]
	if !ok {
		return Epic{}, ErrNotFound
	}
	e.Dependencies = cloneStrings(e.Dependencies)
	return e, nil
}

func (s *MemoryStore) ApproveEpicBatch(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.epicBatches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = BatchApproved
	s.epicBatches[batchID] = b
	for id, e := range s.epics {
		if e.BatchID == batchID && e.Status == ItemProposed {
			e.Status = ItemApproved
			s.epics[id] = e
		}
	}
	return nil
}

func (s *MemoryStore) UpdateEpicStatus(_ context.Context, epicID string, status ItemStatus, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.epics[epicID]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.Feedback = feedback
	s.epics[epicID] = e
	return nil
}

func (s *MemoryStore) CreateStoryBatch(_ context.Context, b StoryBatch, stories []Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.epics[b.EpicID]; !ok {
		return ErrNotFound
	}
	s.storyBatches[b.ID] = b
	for _, st := range stories {
		st.AcceptanceCriteria = cloneStrings(st.AcceptanceCriteria)
		st.Dependencies = cloneStrings(st.Dependencies)
		s.stories[st.ID] = st
	}
	return nil
}

func (s *MemoryStore) GetStoryBatch(_ context.Context, id string) (StoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.storyBatches[id]
	if !ok {
		return StoryBatch{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) LatestStoryBatch(_ context.Context, epicID string) (StoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest StoryBatch
	found := false
	for _, b := range s.storyBatches {
		if b.EpicID != epicID {
			continue
		}
		if !found || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
			found = true
		}
	}
	if !found {
		return StoryBatch{}, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) ListStories(_ context.Context, batchID string) ([]Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Story
	for _, st := range s.stories {
		if st.BatchID == batchID {
			st.AcceptanceCriteria = cloneStrings(st.AcceptanceCriteria)
			st.Dependencies = cloneStrings(st.Dependencies)
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetStory(_ context.Context, id string) (Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stories[id]
	if !ok {
		return Story{}, ErrNotFound
	}
	st.AcceptanceCriteria = cloneStrings(st.AcceptanceCriteria)
	st.Dependencies = cloneStrings(st.Dependencies)
	return st, nil
}

func (s *MemoryStore) ApproveStoryBatch(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.storyBatches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = BatchApproved
	s.storyBatches[batchID] = b
	for id, st := range s.stories {
		if st.BatchID == batchID && st.Status == ItemProposed {
			st.Status = ItemApproved
			s.stories[id] = st
		}
	}
	return nil
}

func (s *MemoryStore) UpdateStoryStatus(_ context.Context, storyID string, status ItemStatus, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[storyID]
	if !ok {
		return ErrNotFound
	}
	st.Status = status
	st.Feedback = feedback
	s.stories[storyID] = st
	return nil
}

func (s *MemoryStore) CreateSpec(_ context.Context, d SpecDocument) (SpecDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[d.StoryID]; !ok {
		return SpecDocument{}, ErrNotFound
	}
	max := 0
	for _, existing := range s.specs {
		if existing.StoryID == d.StoryID && existing.Version > max {
			max = existing.Version
		}
	}
	d.Version = max + 1
	s.specs[d.ID] = d
	return d, nil
}

func (s *MemoryStore) GetSpec(_ context.Context, id string) (SpecDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.specs[id]
	if !ok {
		return SpecDocument{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) LatestSpec(_ context.Context, storyID string) (SpecDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest SpecDocument
	found := false
	for _, d := range s.specs {
		if d.StoryID != storyID {
			continue
		}
		if !found || d.Version > latest.Version {
			latest = d
			found = true
		}
	}
	if !found {
		return SpecDocument{}, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) UpdateSpecStatus(_ context.Context, specID string, status SpecStatus, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.specs[specID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	if feedback != "" {
		d.Feedback = feedback
	}
	s.specs[specID] = d
	return nil
}

func (s *MemoryStore) Close() {}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
