// Package scheduler turns cron schedules into enqueued jobs. The Service is
// driven by a periodic worker that checks for due schedules on every tick.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"hostflow/internal/clock"
	"hostflow/internal/domain"
	"hostflow/internal/jobs"
	"hostflow/internal/queue"
	"hostflow/internal/worker"
)

const (
	WorkerName      = "cron-scheduler"
	DefaultInterval = 5 * time.Second
)

// Enqueuer is the part of jobs.Manager the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, args any, opts ...jobs.EnqueueOption) (string, error)
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithInterval sets how often due schedules are checked.
func WithInterval(d time.Duration) Option { return func(s *Service) { s.interval = d } }

type Service struct {
	store    queue.ScheduleStore
	jobs     Enqueuer
	clock    clock.Clock
	logger   zerolog.Logger
	interval time.Duration
}

func NewService(store queue.ScheduleStore, enq Enqueuer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		jobs:     enq,
		clock:    clock.Real{},
		logger:   zerolog.Nop(),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Worker returns the periodic worker that runs ProcessDue.
func (s *Service) Worker() worker.Worker {
	return worker.NewPeriodic(WorkerName, s.interval, s.ProcessDue,
		worker.WithLogger(s.logger), worker.WithClock(s.clock))
}

// ProcessDue enqueues a job for every enabled schedule whose next run has
// passed. A schedule that fails is logged and skipped.
func (s *Service) ProcessDue(ctx context.Context) error {
	now := s.clock.Now()
	schedules, err := s.store.GetDueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("get due schedules: %w", err)
	}
	for _, schedule := range schedules {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
	return nil
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", schedule.CronExpr, err)
	}
	nextRun := cronSchedule.Next(now)

	jobID, enqErr := s.jobs.Enqueue(ctx, schedule.JobType, json.RawMessage(schedule.Args))

	// The next run advances even when enqueueing failed, so a broken schedule
	// fires at its own cadence instead of on every check.
	if err := s.store.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		return fmt.Errorf("update schedule run times: %w", err)
	}
	if enqErr != nil {
		return fmt.Errorf("enqueue scheduled job: %w", enqErr)
	}

	s.logger.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("job_id", jobID).
		Time("next_run", nextRun).
		Msg("scheduled job enqueued")
	return nil
}

// Create validates the cron expression, computes the first run and stores
// the schedule.
func (s *Service) Create(ctx context.Context, schedule domain.Schedule) (domain.Schedule, error) {
	next, err := NextRunTime(schedule.CronExpr, s.clock.Now())
	if err != nil {
		return domain.Schedule{}, err
	}
	schedule.NextRun = next
	id, err := s.store.CreateSchedule(ctx, schedule)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	return s.store.GetSchedule(ctx, id)
}

// Update replaces a schedule's definition and recomputes its next run.
func (s *Service) Update(ctx context.Context, schedule domain.Schedule) (domain.Schedule, error) {
	next, err := NextRunTime(schedule.CronExpr, s.clock.Now())
	if err != nil {
		return domain.Schedule{}, err
	}
	schedule.NextRun = next
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		return domain.Schedule{}, err
	}
	return s.store.GetSchedule(ctx, schedule.ID)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// ValidateCronExpression accepts five-field expressions and descriptors such
// as "@hourly" or "@every 5m".
func ValidateCronExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return domain.InvalidConfiguration("cron expression %q: %v", expr, err)
	}
	return nil
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, domain.InvalidConfiguration("cron expression %q: %v", expr, err)
	}
	return cronSchedule.Next(from), nil
}
