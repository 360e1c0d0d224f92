package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hostflow/internal/domain"
)

// MemoryStore keeps jobs and schedules in process memory. It is used by
// tests and by hosts that do not need jobs to survive a restart.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	queues    map[string][]string // type -> job ids in enqueue order
	jobs      map[string]*domain.Job
	schedules map[string]domain.Schedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		queues:    make(map[string][]string),
		jobs:      make(map[string]*domain.Job),
		schedules: make(map[string]domain.Schedule),
	}
}

func (m *MemoryStore) Persist(_ context.Context, j domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = newJobID()
	}
	if _, ok := m.jobs[j.ID]; ok {
		return "", fmt.Errorf("job %s already exists", j.ID)
	}
	now := m.now()
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.State = domain.JobQueued
	j.CreatedAt, j.UpdatedAt = now, now
	j.Args = append([]byte(nil), emptyArgs(j.Args)...)
	m.jobs[j.ID] = &j
	m.queues[j.Type] = append(m.queues[j.Type], j.ID)
	return j.ID, nil
}

func (m *MemoryStore) Dequeue(_ context.Context, jobType string, now time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.queues[jobType] {
		j := m.jobs[id]
		if j.State != domain.JobQueued || j.RunAt.After(now) {
			continue
		}
		j.State = domain.JobRunning
		j.Attempts++
		j.UpdatedAt = m.now()
		return *j, nil
	}
	return domain.Job{}, domain.ErrEmpty
}

func (m *MemoryStore) MarkComplete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	delete(m.jobs, id)
	m.removeFromQueue(j.Type, id)
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	j.State = domain.JobFailed
	j.LastError = reason
	j.UpdatedAt = m.now()
	m.removeFromQueue(j.Type, id)
	return nil
}

func (m *MemoryStore) Requeue(_ context.Context, id string, runAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	j.State = domain.JobQueued
	j.RunAt = runAt
	j.LastError = reason
	j.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return *j, nil
}

// Len reports how many jobs of jobType are still held, in any state.
func (m *MemoryStore) Len(jobType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Type == jobType {
			n++
		}
	}
	return n
}

func (m *MemoryStore) removeFromQueue(jobType, id string) {
	q := m.queues[jobType]
	for i, qid := range q {
		if qid == id {
			m.queues[jobType] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s domain.Schedule) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = newScheduleID()
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.schedules[s.ID] = s
	return s.ID, nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return domain.Schedule{}, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.schedules[s.ID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", s.ID, domain.ErrNotFound)
	}
	s.CreatedAt = old.CreatedAt
	s.LastRun = old.LastRun
	s.UpdatedAt = m.now()
	m.schedules[s.ID] = s
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) GetDueSchedules(_ context.Context, now time.Time) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Schedule
	for _, s := range m.schedules {
		if s.Enabled && !s.NextRun.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

func (m *MemoryStore) UpdateScheduleLastRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	s.LastRun = &lastRun
	s.NextRun = nextRun
	s.UpdatedAt = m.now()
	m.schedules[id] = s
	return nil
}
