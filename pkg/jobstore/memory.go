package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Used by tests and single-shot
// CLI runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]CollectionJob
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]CollectionJob),
		now:  time.Now,
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, collectionID string) (*CollectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[collectionID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

// UpsertPending implements Store.
func (m *MemoryStore) UpsertPending(ctx context.Context, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[collectionID]
	if ok && job.Status == StatusFinished {
		return nil
	}
	if !ok {
		job = CollectionJob{CollectionID: collectionID}
	}
	job.Status = StatusPending
	job.UpdatedAt = m.now()
	m.jobs[collectionID] = job
	return observe("memory", "upsert_pending", StatusPending, nil)
}

// MarkInProgress implements Store.
func (m *MemoryStore) MarkInProgress(ctx context.Context, collectionID string, cursor int64, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[collectionID]
	if !ok {
		job = CollectionJob{CollectionID: collectionID}
	}
	if cursor > job.Cursor {
		job.Cursor = cursor
	}
	if job.Status != StatusFinished {
		job.Status = StatusInProgress
	}
	job.DestinationLink = link
	job.UpdatedAt = m.now()
	m.jobs[collectionID] = job
	return observe("memory", "mark_in_progress", job.Status, nil)
}

// MarkFinished implements Store.
func (m *MemoryStore) MarkFinished(ctx context.Context, collectionID string, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[collectionID]
	if !ok {
		job = CollectionJob{CollectionID: collectionID}
	}
	job.Status = StatusFinished
	job.DestinationLink = link
	job.UpdatedAt = m.now()
	m.jobs[collectionID] = job
	return observe("memory", "mark_finished", StatusFinished, nil)
}

// ClaimPending implements Store.
func (m *MemoryStore) ClaimPending(ctx context.Context, collectionID string, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[collectionID]
	if ok && (job.Status == StatusFinished || !job.UpdatedAt.Before(staleBefore)) {
		return false, nil
	}
	if !ok {
		job = CollectionJob{CollectionID: collectionID}
	}
	job.Status = StatusPending
	job.UpdatedAt = m.now()
	m.jobs[collectionID] = job
	return true, observe("memory", "claim_pending", StatusPending, nil)
}

// ListUnfinished implements Store.
func (m *MemoryStore) ListUnfinished(ctx context.Context) ([]CollectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []CollectionJob
	for _, job := range m.jobs {
		if job.IsActive() {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	return jobs, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
