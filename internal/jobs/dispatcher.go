package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"hostflow/internal/domain"
	"hostflow/internal/eventbus"
	"hostflow/internal/metrics"
	"hostflow/internal/queue"
	"hostflow/internal/worker"
)

// dispatcher is the periodic worker that drains the job store. Before its
// first tick it hands jobs left running by a previous process back to the
// queue when the store supports it.
type dispatcher struct {
	*worker.Periodic
	m *Manager
}

// Worker returns the dispatcher as a periodic worker named DispatcherName.
// Register it with a worker.Registry once.
func (m *Manager) Worker() worker.Worker {
	return &dispatcher{
		Periodic: worker.NewPeriodic(DispatcherName, m.period, m.DispatchOnce,
			worker.WithLogger(m.logger), worker.WithClock(m.clock)),
		m: m,
	}
}

func (d *dispatcher) Start(ctx context.Context) error {
	if rec, ok := d.m.store.(queue.Recoverer); ok {
		n, err := rec.RecoverStale(ctx)
		if err != nil {
			d.m.logger.Warn().Err(err).Msg("recover stale jobs")
		} else if n > 0 {
			d.m.logger.Info().Int("count", n).Msg("requeued jobs left running by a previous process")
		}
	}
	return d.Periodic.Start(ctx)
}

// DispatchOnce drains every registered job type once. Types are processed
// concurrently; jobs of one type run one at a time in enqueue order.
func (m *Manager) DispatchOnce(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, jobType := range m.registry.Types() {
		g.Go(func() error { return m.drain(ctx, jobType) })
	}
	return g.Wait()
}

func (m *Manager) drain(ctx context.Context, jobType string) error {
	lim := m.limiters[jobType]
	for i := 0; i < m.batchSize; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if lim != nil && lim.TokensAt(m.clock.Now()) < 1 {
			return nil
		}
		job, err := m.store.Dequeue(ctx, jobType, m.clock.Now())
		if errors.Is(err, domain.ErrEmpty) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dequeue %s: %w", jobType, err)
		}
		if lim != nil {
			lim.AllowN(m.clock.Now(), 1)
		}
		m.execute(ctx, job)
	}
	return nil
}

func (m *Manager) execute(ctx context.Context, job domain.Job) {
	// Store updates must land even when the tick is being cancelled.
	storeCtx := context.WithoutCancel(ctx)
	log := m.logger.With().Str("job_id", job.ID).Str("job_type", job.Type).Logger()

	h, ok := m.registry.Get(job.Type)
	if !ok {
		err := &domain.NoHandlerRegisteredError{JobType: job.Type}
		if ferr := m.store.MarkFailed(storeCtx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("mark job failed")
		}
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		return
	}

	start := time.Now()
	err := m.chain(ctx, job, func(ctx context.Context) error { return h(ctx, job.Args) })
	elapsed := time.Since(start)
	metrics.JobDurationSeconds.WithLabelValues(job.Type).Observe(elapsed.Seconds())

	if err == nil {
		if cerr := m.store.MarkComplete(storeCtx, job.ID); cerr != nil {
			log.Error().Err(cerr).Msg("mark job complete")
		}
		metrics.JobsProcessed.WithLabelValues(job.Type, "completed").Inc()
		m.publish(storeCtx, JobCompleted{ID: job.ID, Type: job.Type, Attempts: job.Attempts, Duration: elapsed})
		return
	}

	var hf *domain.HandlerFailureError
	if !errors.As(err, &hf) {
		err = &domain.HandlerFailureError{Kind: "job", Target: job.Type, Err: err}
	}

	// Interrupted by shutdown: hand it back to the queue instead of failing it.
	if ctx.Err() != nil {
		if rerr := m.store.Requeue(storeCtx, job.ID, m.clock.Now(), err.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("requeue interrupted job")
		}
		metrics.JobsProcessed.WithLabelValues(job.Type, "interrupted").Inc()
		log.Warn().Err(err).Msg("job interrupted by shutdown")
		return
	}

	delay, retry := m.retry.Next(job.Attempts)
	if retry {
		if rerr := m.store.Requeue(storeCtx, job.ID, m.clock.Now().Add(delay), err.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("requeue job")
		}
		metrics.JobsProcessed.WithLabelValues(job.Type, "retried").Inc()
		log.Warn().Err(err).Int("attempt", job.Attempts).Dur("retry_in", delay).Msg("job failed, retrying")
	} else {
		if ferr := m.store.MarkFailed(storeCtx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("mark job failed")
		}
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		log.Error().Err(err).Int("attempt", job.Attempts).Msg("job failed")
	}
	m.publish(storeCtx, JobFailed{ID: job.ID, Type: job.Type, Attempts: job.Attempts, Error: err.Error(), Retrying: retry})
}

func (m *Manager) publish(ctx context.Context, e eventbus.Event) {
	if err := m.bus.Publish(ctx, e); err != nil {
		m.logger.Warn().Err(err).Str("event", e.EventName()).Msg("job event handler failed")
	}
}
