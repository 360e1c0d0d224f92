package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"hostflow/internal/domain"
)

// Handler is the remainder of the chain for one job.
type Handler func(ctx context.Context) error

// Middleware wraps job execution. It must call next unless it deliberately
// short-circuits.
type Middleware func(ctx context.Context, j domain.Job, next Handler) error

// Chain composes mws; the first one is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j domain.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) error { return mw(ctx, j, inner) }
		}
		return h(ctx)
	}
}

// Recover turns a panic anywhere below it into a HandlerFailureError.
func Recover(logger zerolog.Logger) Middleware {
	return func(ctx context.Context, j domain.Job, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("job_id", j.ID).
					Str("job_type", j.Type).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("job handler panicked")
				err = &domain.HandlerFailureError{Kind: "job", Target: j.Type, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		return next(ctx)
	}
}

func Logging(logger zerolog.Logger) Middleware {
	return func(ctx context.Context, j domain.Job, next Handler) error {
		logger.Debug().Str("job_id", j.ID).Str("job_type", j.Type).Int("attempt", j.Attempts).Msg("job started")
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn().Err(err).Str("job_id", j.ID).Str("job_type", j.Type).Dur("elapsed", elapsed).Msg("job failed")
			return err
		}
		logger.Info().Str("job_id", j.ID).Str("job_type", j.Type).Dur("elapsed", elapsed).Msg("job completed")
		return nil
	}
}

// Timeout bounds each handler call by d. A zero d leaves the context as is.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ domain.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
