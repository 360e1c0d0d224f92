package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hostflow/internal/clock"
)

// Worker is a long-lived unit owned by a Registry. Stop returns once the
// worker has unwound; the registry bounds how long it waits.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Kind string

const (
	KindPeriodic Kind = "periodic"
	KindManual   Kind = "manual"
)

// Described is implemented by workers that report their kind and period.
type Described interface {
	Kind() Kind
	Period() time.Duration
}

// ExitNotifier is implemented by workers whose run can end without Stop. The
// registry installs fn before the first Start.
type ExitNotifier interface {
	NotifyExit(fn func(err error))
}

type options struct {
	logger zerolog.Logger
	clock  clock.Clock
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{logger: zerolog.Nop(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
