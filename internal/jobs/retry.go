package jobs

import "time"

// RetryPolicy decides what happens to a job whose handler failed after the
// given number of attempts. A false return marks the job failed.
type RetryPolicy interface {
	Next(attempts int) (delay time.Duration, retry bool)
}

type noRetry struct{}

func (noRetry) Next(int) (time.Duration, bool) { return 0, false }

// NoRetry fails a job on its first handler error.
func NoRetry() RetryPolicy { return noRetry{} }

// Backoff requeues failed jobs with a delay of Base doubled per attempt and
// capped at Max, until MaxAttempts attempts have been made.
type Backoff struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultBackoff retries up to five times, waiting 1s, 2s, 4s and 8s.
var DefaultBackoff = Backoff{MaxAttempts: 5, Base: time.Second, Max: time.Minute}

func (b Backoff) Next(attempts int) (time.Duration, bool) {
	if attempts >= b.MaxAttempts {
		return 0, false
	}
	if attempts < 1 {
		attempts = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max, true
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d, true
}
