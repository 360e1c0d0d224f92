// Package worker owns long-lived background workers: periodic workers ticked
// by a timer, manual workers bracketing arbitrary logic, and the Registry that
// starts and stops them together.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hostflow/internal/clock"
	"hostflow/internal/domain"
	"hostflow/internal/metrics"
)

// DefaultStopTimeout bounds StopAll unless overridden.
const DefaultStopTimeout = 10 * time.Second

// Status is a point-in-time view of a registered worker.
type Status struct {
	Name   string             `json:"name"`
	Kind   Kind               `json:"kind,omitempty"`
	State  domain.WorkerState `json:"state"`
	Period time.Duration      `json:"period,omitempty"`
}

type RegistryOption func(*Registry)

func WithStopTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.stopTimeout = d }
}

func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

type entry struct {
	w     Worker
	state domain.WorkerState
}

type Registry struct {
	logger      zerolog.Logger
	clock       clock.Clock
	stopTimeout time.Duration

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
	started bool
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:      zerolog.Nop(),
		clock:       clock.Real{},
		stopTimeout: DefaultStopTimeout,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers w. If the registry has already been started, w is started
// right away.
func (r *Registry) Add(ctx context.Context, w Worker) error {
	name := w.Name()
	r.mu.Lock()
	if _, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return &domain.DuplicateWorkerError{Name: name}
	}
	r.entries[name] = &entry{w: w, state: domain.WorkerStopped}
	r.order = append(r.order, name)
	started := r.started
	r.mu.Unlock()

	if n, ok := w.(ExitNotifier); ok {
		n.NotifyExit(func(err error) { r.exited(name, err) })
	}

	r.logger.Debug().Str("worker", name).Msg("worker registered")
	if started {
		return r.start(ctx, name)
	}
	return nil
}

// StartAll starts every stopped worker. A worker that fails to start is
// logged and left stopped; the others still start. All failures are returned
// joined.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := r.start(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) start(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	switch e.state {
	case domain.WorkerStopped:
		e.state = domain.WorkerStarting
	case domain.WorkerStopping:
		r.mu.Unlock()
		r.logger.Warn().Str("worker", name).Msg("worker is still stopping, not started")
		return fmt.Errorf("worker %q is still stopping", name)
	default:
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := e.w.Start(ctx); err != nil {
		r.setState(name, domain.WorkerStopped)
		r.logger.Error().Err(err).Str("worker", name).Msg("worker failed to start")
		return fmt.Errorf("worker %q: %w", name, err)
	}
	// A worker that already exited on its own is left stopped.
	if _, ok := r.transition(name, domain.WorkerStarting, domain.WorkerRunning); ok {
		metrics.WorkersRunning.Inc()
	}
	return nil
}

// exited records a worker whose run ended without being stopped.
func (r *Registry) exited(name string, err error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := e.state
	if prev == domain.WorkerStarting || prev == domain.WorkerRunning {
		e.state = domain.WorkerStopped
	}
	r.mu.Unlock()

	switch prev {
	case domain.WorkerRunning:
		metrics.WorkersRunning.Dec()
	case domain.WorkerStarting:
	default:
		return
	}
	ev := r.logger.Warn()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Str("worker", name).Msg("worker exited before being stopped")
}

type stopResult struct {
	name string
	err  error
}

// StopAll signals every running worker to stop and waits until all have
// acknowledged or the stop timeout elapses. Workers still running at the
// deadline are reported as StopTimeout and stay in the stopping state until
// they acknowledge.
func (r *Registry) StopAll(ctx context.Context, reason string) error {
	r.mu.Lock()
	r.started = false
	var targets []*entry
	for _, name := range r.order {
		e := r.entries[name]
		if e.state == domain.WorkerRunning {
			e.state = domain.WorkerStopping
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}
	r.logger.Info().Str("reason", reason).Int("workers", len(targets)).Msg("stopping workers")

	// Stragglers keep unwinding after StopAll returns.
	stopCtx := context.WithoutCancel(ctx)
	results := make(chan stopResult, len(targets))
	pending := make(map[string]struct{}, len(targets))
	for _, e := range targets {
		pending[e.w.Name()] = struct{}{}
		go func(w Worker) {
			results <- stopResult{name: w.Name(), err: w.Stop(stopCtx)}
		}(e.w)
	}

	var errs []error
	deadline := r.clock.After(r.stopTimeout)
	for len(pending) > 0 {
		select {
		case res := <-results:
			delete(pending, res.name)
			if err := r.stopped(res); err != nil {
				errs = append(errs, err)
			}
		case <-deadline:
			for name := range pending {
				metrics.WorkerStopTimeouts.WithLabelValues(name).Inc()
				r.logger.Warn().Str("worker", name).Dur("timeout", r.stopTimeout).Msg("worker did not stop in time")
				errs = append(errs, &domain.StopTimeoutError{Worker: name})
			}
			r.settleLate(results, len(pending))
			return errors.Join(errs...)
		case <-ctx.Done():
			for name := range pending {
				errs = append(errs, &domain.StopTimeoutError{Worker: name})
			}
			r.settleLate(results, len(pending))
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	r.logger.Info().Str("reason", reason).Msg("all workers stopped")
	return errors.Join(errs...)
}

// stopped moves an acknowledged worker to the stopped state.
func (r *Registry) stopped(res stopResult) error {
	if _, ok := r.transition(res.name, domain.WorkerStopping, domain.WorkerStopped); ok {
		metrics.WorkersRunning.Dec()
	}
	if res.err != nil {
		r.logger.Error().Err(res.err).Str("worker", res.name).Msg("worker stop failed")
		return fmt.Errorf("worker %q: %w", res.name, res.err)
	}
	return nil
}

// settleLate records the acknowledgements of the n workers that outlived
// StopAll.
func (r *Registry) settleLate(results <-chan stopResult, n int) {
	go func() {
		for i := 0; i < n; i++ {
			res := <-results
			_ = r.stopped(res)
			r.logger.Info().Str("worker", res.name).Msg("worker stopped after timeout")
		}
	}()
}

// Snapshot returns the registered workers in registration order.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		st := Status{Name: name, State: e.state}
		if d, ok := e.w.(Described); ok {
			st.Kind = d.Kind()
			st.Period = d.Period()
		}
		out = append(out, st)
	}
	return out
}

// State reports the lifecycle state of a worker.
func (r *Registry) State(name string) (domain.WorkerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.state, true
}

func (r *Registry) transition(name string, from, to domain.WorkerState) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || e.state != from {
		return nil, false
	}
	e.state = to
	return e, true
}

func (r *Registry) setState(name string, s domain.WorkerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.state = s
	}
}
