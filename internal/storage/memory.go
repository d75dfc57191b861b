package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/udaykr117/durableq/internal/job"
)

const maxMemoryExecutions = 1000

// MemoryStore is a process-local Store. One mutex guards every operation,
// which makes each of them atomic.
type MemoryStore struct {
	mu         sync.Mutex
	seq        int64
	jobs       map[string]*memoryJob
	config     map[string]string
	executions []job.Execution
}

type memoryJob struct {
	job job.Job
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*memoryJob),
		config: make(map[string]string),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Insert(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", job.ErrDuplicateID, j.ID)
	}
	m.seq++
	m.jobs[j.ID] = &memoryJob{job: *j, seq: m.seq}
	return nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *memoryJob
	for _, mj := range m.jobs {
		if !mj.job.Eligible(now) {
			continue
		}
		if next == nil || before(mj, next) {
			next = mj
		}
	}
	if next == nil {
		return nil, nil
	}
	next.job.State = job.StateProcessing
	next.job.UpdatedAt = now.UTC()
	claimed := next.job
	return &claimed, nil
}

func (m *MemoryStore) Finalize(_ context.Context, id string, u job.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	mj.job.Apply(u)
	return nil
}

func (m *MemoryStore) Requeue(_ context.Context, id string, now time.Time) error {
	return m.requeue(id, "", now)
}

func (m *MemoryStore) RequeueDead(_ context.Context, id string, now time.Time) error {
	return m.requeue(id, job.StateDead, now)
}

func (m *MemoryStore) requeue(id string, from job.State, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if from != "" && mj.job.State != from {
		return fmt.Errorf("%w: %s is %s", ErrNotDead, id, mj.job.State)
	}
	mj.job.State = job.StatePending
	mj.job.Attempts = 0
	mj.job.NextRunAt = now.UTC()
	mj.job.UpdatedAt = now.UTC()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	j := mj.job
	return &j, nil
}

func (m *MemoryStore) List(_ context.Context, state job.State) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*memoryJob, 0, len(m.jobs))
	for _, mj := range m.jobs {
		if state == "" || mj.job.State == state {
			matched = append(matched, mj)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return before(matched[a], matched[b]) })

	jobs := make([]*job.Job, len(matched))
	for i, mj := range matched {
		j := mj.job
		jobs[i] = &j
	}
	return jobs, nil
}

func (m *MemoryStore) CountByState(_ context.Context) (map[job.State]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := emptyCounts()
	for _, mj := range m.jobs {
		counts[mj.job.State]++
	}
	return counts, nil
}

func (m *MemoryStore) GetConfig(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.config[key]; ok {
		return v, nil
	}
	return configDefault(key)
}

func (m *MemoryStore) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

func (m *MemoryStore) AllConfig(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return withDefaults(m.config), nil
}

func (m *MemoryStore) RecordExecution(_ context.Context, e job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Output = job.TruncateOutput(e.Output)
	m.executions = append(m.executions, e)
	if len(m.executions) > maxMemoryExecutions {
		m.executions = m.executions[len(m.executions)-maxMemoryExecutions:]
	}
	return nil
}

func (m *MemoryStore) RecentExecutions(_ context.Context, jobID string, limit int) ([]job.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = defaultLimit(limit)
	var out []job.Execution
	for i := len(m.executions) - 1; i >= 0 && len(out) < limit; i-- {
		if jobID == "" || m.executions[i].JobID == jobID {
			out = append(out, m.executions[i])
		}
	}
	return out, nil
}

// before orders by created_at, then insertion.
func before(a, b *memoryJob) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}
