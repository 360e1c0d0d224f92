// Package timer notifies a single tick function at a fixed period. The next
// wait begins only after the previous tick returns, so a slow tick delays the
// following ones instead of overlapping them.
package timer

import (
	"context"
	"sync"
	"time"

	"hostflow/internal/clock"
	"hostflow/internal/domain"
)

// TickFunc receives a context that is cancelled when the timer stops.
type TickFunc func(ctx context.Context)

type Option func(*Timer)

func WithPeriod(d time.Duration) Option {
	return func(t *Timer) { t.period = d }
}

// WithRunOnStart fires the first tick immediately instead of after one period.
func WithRunOnStart() Option {
	return func(t *Timer) { t.runOnStart = true }
}

type Timer struct {
	clock      clock.Clock
	mu         sync.Mutex
	period     time.Duration
	runOnStart bool
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(clk clock.Clock, opts ...Option) *Timer {
	if clk == nil {
		clk = clock.Real{}
	}
	t := &Timer{clock: clk}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetPeriod changes the period. It is only allowed while the timer is stopped.
func (t *Timer) SetPeriod(d time.Duration) error {
	if d <= 0 {
		return domain.InvalidConfiguration("timer period must be positive, got %s", d)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return domain.InvalidConfiguration("timer period cannot change while running")
	}
	t.period = d
	return nil
}

func (t *Timer) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}

func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start begins periodic notification. Starting a running timer is a no-op.
func (t *Timer) Start(fn TickFunc) error {
	if fn == nil {
		return domain.InvalidConfiguration("timer tick function is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	if t.period <= 0 {
		return domain.InvalidConfiguration("timer period must be positive, got %s", t.period)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	go t.loop(ctx, t.period, t.runOnStart, fn, t.done)
	return nil
}

// Stop halts notification and waits for an in-flight tick to return. No tick
// fires after Stop returns. Calling Stop from inside the tick function
// deadlocks.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.cancel()
	done := t.done
	t.mu.Unlock()

	<-done

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

func (t *Timer) loop(ctx context.Context, period time.Duration, immediate bool, fn TickFunc, done chan struct{}) {
	defer close(done)
	if immediate {
		fn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(period):
		}
		// Both channels may be ready at once; cancellation wins.
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}
}
