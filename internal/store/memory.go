package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store guarded by a single mutex. It backs unit
// tests and STORE_DRIVER=memory; records are lost on restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for claims and transitions.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Enqueue(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepared := job.Clone()
	prepareEnqueue(prepared, m.now())
	if _, exists := m.jobs[prepared.ID]; exists {
		return ErrDuplicateJobID
	}
	m.jobs[prepared.ID] = prepared.Clone()
	*job = *prepared
	return nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, workerID string, visibility time.Duration) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var next *models.Job
	for _, j := range m.jobs {
		if !isEligible(j, now) {
			continue
		}
		if next == nil || claimsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	applyClaim(next, workerID, now, visibility)
	return next.Clone(), nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, result json.RawMessage, opts ...TransitionOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkHeld(j, buildParams(opts)); err != nil {
		return err
	}
	applyComplete(j, append(json.RawMessage(nil), result...), m.now())
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, id string, errMsg string, outcome retry.Outcome, opts ...TransitionOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkHeld(j, buildParams(opts)); err != nil {
		return err
	}
	applyFail(j, errMsg, outcome, m.now())
	return nil
}

func (m *MemoryStore) ReclaimExpired(_ context.Context, now time.Time, policy *retry.Policy) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*models.Job
	for _, j := range m.jobs {
		if isExpired(j, now) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(a, b int) bool {
		if !expired[a].ClaimExpiresAt.Equal(*expired[b].ClaimExpiresAt) {
			return expired[a].ClaimExpiresAt.Before(*expired[b].ClaimExpiresAt)
		}
		return expired[a].ID < expired[b].ID
	})

	reclaimed := make([]*models.Job, 0, len(expired))
	for _, j := range expired {
		applyExpire(j, policy, now)
		reclaimed = append(reclaimed, j.Clone())
	}
	return reclaimed, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID < matched[b].ID
	})

	total := len(matched)
	limit, offset := filter.pagination()
	if offset >= total {
		return []*models.Job{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]*models.Job, 0, end-offset)
	for _, j := range matched[offset:end] {
		page = append(page, j.Clone())
	}
	return page, total, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int, 4)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}
