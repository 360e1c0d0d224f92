// Package queue persists jobs and cron schedules. The job dispatcher only
// talks to the Store interface; SQLite, Redis and in-memory backends
// implement it.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hostflow/internal/domain"
)

// Store is the durable job log consumed by the dispatcher.
type Store interface {
	// Persist stores a queued job and returns its id.
	Persist(ctx context.Context, j domain.Job) (string, error)
	// Dequeue claims the oldest ready job of jobType, or returns domain.ErrEmpty.
	Dequeue(ctx context.Context, jobType string, now time.Time) (domain.Job, error)
	// MarkComplete removes a successfully executed job.
	MarkComplete(ctx context.Context, id string) error
	// MarkFailed keeps the job in the failed state with the error text.
	MarkFailed(ctx context.Context, id, reason string) error
	// Requeue puts a claimed job back in the queue to run at runAt.
	Requeue(ctx context.Context, id string, runAt time.Time, reason string) error
	Get(ctx context.Context, id string) (domain.Job, error)
}

// Recoverer is implemented by stores that can detect jobs left running by a
// previous process and put them back in the queue.
type Recoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

func newJobID() string      { return "job_" + uuid.NewString() }
func newScheduleID() string { return "sch_" + uuid.NewString() }
