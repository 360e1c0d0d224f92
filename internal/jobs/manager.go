// Package jobs queues typed work for later execution by a periodic
// dispatcher worker.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"hostflow/internal/clock"
	"hostflow/internal/domain"
	"hostflow/internal/eventbus"
	"hostflow/internal/metrics"
	"hostflow/internal/queue"
)

const (
	DispatcherName     = "job-dispatcher"
	DefaultPeriod      = 5 * time.Second
	DefaultBatchSize   = 1000
	DefaultConcurrency = 8
)

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithBus sets where JobCompleted and JobFailed are published.
func WithBus(b eventbus.Bus) Option { return func(m *Manager) { m.bus = b } }

func WithRetryPolicy(p RetryPolicy) Option { return func(m *Manager) { m.retry = p } }

// WithMiddleware appends to the chain every handler call runs through.
func WithMiddleware(mws ...Middleware) Option {
	return func(m *Manager) { m.middleware = append(m.middleware, mws...) }
}

// WithPeriod sets the dispatcher tick period.
func WithPeriod(d time.Duration) Option { return func(m *Manager) { m.period = d } }

// WithBatchSize caps how many jobs of one type a single tick executes.
func WithBatchSize(n int) Option { return func(m *Manager) { m.batchSize = n } }

// WithConcurrency caps how many job types are drained at the same time.
func WithConcurrency(n int) Option { return func(m *Manager) { m.concurrency = n } }

// WithRateLimit limits how fast jobs of jobType are started. Jobs over the
// limit stay queued for a later tick.
func WithRateLimit(jobType string, limit rate.Limit, burst int) Option {
	return func(m *Manager) { m.limiters[jobType] = rate.NewLimiter(limit, burst) }
}

// Manager enqueues jobs into a store and builds the dispatcher that runs them.
type Manager struct {
	store    queue.Store
	registry *Registry
	clock    clock.Clock
	logger   zerolog.Logger
	bus      eventbus.Bus
	retry    RetryPolicy

	middleware  []Middleware
	chain       Middleware
	period      time.Duration
	batchSize   int
	concurrency int
	limiters    map[string]*rate.Limiter
}

func NewManager(store queue.Store, registry *Registry, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		registry:    registry,
		clock:       clock.Real{},
		logger:      zerolog.Nop(),
		bus:         eventbus.NoOp(),
		retry:       NoRetry(),
		period:      DefaultPeriod,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.batchSize <= 0 {
		m.batchSize = DefaultBatchSize
	}
	if m.concurrency <= 0 {
		m.concurrency = DefaultConcurrency
	}
	m.chain = Chain(append([]Middleware{Recover(m.logger)}, m.middleware...)...)
	return m
}

func (m *Manager) Registry() *Registry { return m.registry }

type enqueueOptions struct {
	delay time.Duration
}

type EnqueueOption func(*enqueueOptions)

// WithDelay holds the job back until d has passed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// Enqueue persists a job and returns its id without waiting for it to run.
// args is encoded as JSON unless it already is a json.RawMessage.
func (m *Manager) Enqueue(ctx context.Context, jobType string, args any, opts ...EnqueueOption) (string, error) {
	if _, ok := m.registry.Get(jobType); !ok {
		return "", &domain.NoHandlerRegisteredError{JobType: jobType}
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	var raw json.RawMessage
	switch a := args.(type) {
	case nil:
	case json.RawMessage:
		raw = a
	default:
		b, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode args for job type %q: %w", jobType, err)
		}
		raw = b
	}

	job := domain.Job{Type: jobType, Args: raw, RunAt: m.clock.Now()}
	if o.delay > 0 {
		job.RunAt = job.RunAt.Add(o.delay)
	}
	id, err := m.store.Persist(ctx, job)
	if err != nil {
		return "", err
	}
	metrics.JobsEnqueued.WithLabelValues(jobType).Inc()
	m.logger.Debug().Str("job_id", id).Str("job_type", jobType).Dur("delay", o.delay).Msg("job enqueued")
	return id, nil
}

// Get returns a job that has not completed yet.
func (m *Manager) Get(ctx context.Context, id string) (domain.Job, error) {
	return m.store.Get(ctx, id)
}
