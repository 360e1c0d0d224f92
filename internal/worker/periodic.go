package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hostflow/internal/domain"
	"hostflow/internal/metrics"
	"hostflow/internal/timer"
)

// DefaultPeriod applies when a periodic worker is built with a zero period.
const DefaultPeriod = 2 * time.Second

// WorkFunc is one bounded unit of work run per tick.
type WorkFunc func(ctx context.Context) error

// Periodic runs a WorkFunc on every tick of its own timer. Ticks of one
// worker never overlap; a failing tick is logged and the next one proceeds.
type Periodic struct {
	name   string
	work   WorkFunc
	timer  *timer.Timer
	logger zerolog.Logger

	mu      sync.Mutex
	initErr error
}

func NewPeriodic(name string, period time.Duration, work WorkFunc, opts ...Option) *Periodic {
	o := buildOptions(opts)
	p := &Periodic{
		name:   name,
		work:   work,
		timer:  timer.New(o.clock),
		logger: o.logger.With().Str("worker", name).Logger(),
	}
	if period == 0 {
		period = DefaultPeriod
	}
	p.initErr = p.timer.SetPeriod(period)
	return p
}

func (p *Periodic) Name() string          { return p.name }
func (p *Periodic) Kind() Kind            { return KindPeriodic }
func (p *Periodic) Period() time.Duration { return p.timer.Period() }

func (p *Periodic) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initErr != nil {
		return fmt.Errorf("start %s: %w", p.name, p.initErr)
	}
	if p.work == nil {
		return domain.InvalidConfiguration("worker %q has no work function", p.name)
	}
	if err := p.timer.Start(p.tick); err != nil {
		return fmt.Errorf("start %s: %w", p.name, err)
	}
	p.logger.Info().Dur("period", p.timer.Period()).Msg("periodic worker started")
	return nil
}

// Stop cancels the tick context and waits for an in-flight tick, bounded by ctx.
func (p *Periodic) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.timer.Stop()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("periodic worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Periodic) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := p.runOnce(ctx); err != nil {
		metrics.WorkerTicks.WithLabelValues(p.name, "failed").Inc()
		p.logger.Error().Err(err).Msg("worker tick failed")
		return
	}
	metrics.WorkerTicks.WithLabelValues(p.name, "ok").Inc()
}

func (p *Periodic) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("worker tick panicked")
			err = &domain.HandlerFailureError{Kind: "worker", Target: p.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if werr := p.work(ctx); werr != nil {
		return &domain.HandlerFailureError{Kind: "worker", Target: p.name, Err: werr}
	}
	return nil
}
