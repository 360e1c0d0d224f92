package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrDuplicateWorker      = errors.New("duplicate worker")
	ErrNoHandlerRegistered  = errors.New("no handler registered")
	ErrHandlerFailure       = errors.New("handler failure")
	ErrStopTimeout          = errors.New("stop timeout")

	// ErrNotFound is returned by stores when a job or schedule id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrEmpty is returned by Dequeue when no job of the type is ready.
	ErrEmpty = errors.New("no jobs ready")
)

// InvalidConfiguration wraps ErrInvalidConfiguration with a reason.
func InvalidConfiguration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// DuplicateWorkerError is returned when a worker name is already registered.
type DuplicateWorkerError struct {
	Name string
}

func (e *DuplicateWorkerError) Error() string {
	return fmt.Sprintf("worker %q already registered", e.Name)
}

func (e *DuplicateWorkerError) Is(target error) bool { return target == ErrDuplicateWorker }

// NoHandlerRegisteredError is returned by Enqueue for an unknown job type.
type NoHandlerRegisteredError struct {
	JobType string
}

func (e *NoHandlerRegisteredError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.JobType)
}

func (e *NoHandlerRegisteredError) Is(target error) bool { return target == ErrNoHandlerRegistered }

// HandlerFailureError reports an error raised inside a worker tick, a job
// handler or an event handler. Kind is one of "worker", "job" or "event" and
// Target names the worker, job type or event.
type HandlerFailureError struct {
	Kind   string
	Target string
	Err    error
}

func (e *HandlerFailureError) Error() string {
	return fmt.Sprintf("%s handler %q failed: %v", e.Kind, e.Target, e.Err)
}

func (e *HandlerFailureError) Unwrap() error { return e.Err }

func (e *HandlerFailureError) Is(target error) bool { return target == ErrHandlerFailure }

// StopTimeoutError is reported for a worker that did not acknowledge
// cancellation before the registry's stop bound elapsed.
type StopTimeoutError struct {
	Worker string
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("worker %q did not stop in time", e.Worker)
}

func (e *StopTimeoutError) Is(target error) bool { return target == ErrStopTimeout }
