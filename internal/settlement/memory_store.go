package settlement

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.ID] = job.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	caller := strings.ToLower(f.Caller)
	var result []*Job
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if caller != "" && j.CallerAddress != caller {
			continue
		}
		if f.OrderID != 0 && (j.OrderID == nil || *j.OrderID != f.OrderID) {
			continue
		}
		if f.Before != nil && !f.Before.After(j.CreatedAt, j.ID) {
			continue
		}
		result = append(result, j.clone())
	}

	// newest first
	sort.Slice(result, func(a, b int) bool {
		if result[a].CreatedAt.Equal(result[b].CreatedAt) {
			return result[a].ID > result[b].ID
		}
		return result[a].CreatedAt.After(result[b].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) LinkOrder(_ context.Context, id string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.OrderID = &orderID
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || !j.Status.Claimable() {
		return false, nil
	}
	j.Status = StatusProcessing
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) Finish(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusProcessing {
		return ErrNotProcessing
	}
	updated := job.clone()
	updated.Payload = j.Payload
	updated.CreatedAt = j.CreatedAt
	if updated.OrderID == nil {
		updated.OrderID = j.OrderID
	}
	m.jobs[job.ID] = updated
	return nil
}

func (m *MemoryStore) ListEligible(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Job
	for _, j := range m.jobs {
		if !j.Status.Claimable() || j.Retries >= j.MaxRetries {
			continue
		}
		if j.NextRunAt != nil && j.NextRunAt.After(now) {
			continue
		}
		result = append(result, j.clone())
	}

	// oldest first
	sort.Slice(result, func(a, b int) bool {
		if result[a].CreatedAt.Equal(result[b].CreatedAt) {
			return result[a].ID < result[b].ID
		}
		return result[a].CreatedAt.Before(result[b].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int, len(Statuses))
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Job
	for _, j := range m.jobs {
		if j.Status == StatusProcessing && j.UpdatedAt.Before(before) {
			result = append(result, j.clone())
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].UpdatedAt.Before(result[b].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
