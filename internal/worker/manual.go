package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hostflow/internal/domain"
)

// RunFunc is long-running worker logic. It must return promptly once ctx is
// cancelled.
type RunFunc func(ctx context.Context) error

// Manual brackets a RunFunc between Start and Stop without a timer.
type Manual struct {
	name   string
	run    RunFunc
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	onExit func(error)
}

func NewManual(name string, run RunFunc, opts ...Option) *Manual {
	o := buildOptions(opts)
	return &Manual{
		name:   name,
		run:    run,
		logger: o.logger.With().Str("worker", name).Logger(),
	}
}

func (m *Manual) Name() string          { return m.name }
func (m *Manual) Kind() Kind            { return KindManual }
func (m *Manual) Period() time.Duration { return 0 }

func (m *Manual) Start(_ context.Context) error {
	if m.run == nil {
		return domain.InvalidConfiguration("worker %q has no run function", m.name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Info().Msg("manual worker started")
	return nil
}

func (m *Manual) loop(ctx context.Context, done chan struct{}) {
	err := m.runGuarded(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error().Err(&domain.HandlerFailureError{Kind: "worker", Target: m.name, Err: err}).
			Msg("manual worker exited with error")
	}

	// Returning before Stop was called ends this run; the worker can be
	// started again.
	var onExit func(error)
	m.mu.Lock()
	if ctx.Err() == nil && m.done == done {
		m.cancel()
		m.done, m.cancel = nil, nil
		onExit = m.onExit
	}
	m.mu.Unlock()
	close(done)

	if onExit != nil {
		onExit(err)
	}
}

func (m *Manual) runGuarded(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.run(ctx)
}

// NotifyExit registers fn to be called when the run function returns without
// Stop having been called.
func (m *Manual) NotifyExit(fn func(err error)) {
	m.mu.Lock()
	m.onExit = fn
	m.mu.Unlock()
}

// Stop signals cancellation and waits for the run function to return or for
// ctx to end, whichever comes first.
func (m *Manual) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.done = nil
	m.cancel = nil
	m.mu.Unlock()
	m.logger.Info().Msg("manual worker stopped")
	return nil
}
