package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"hostflow/internal/domain"
	"hostflow/internal/metrics"
)

type binding struct {
	id uint64
	h  Handler
}

// table is never mutated once published through Local.dynamic.
type table map[string][]binding

type Option func(*Local)

// WithStatic registers handlers that live for the bus lifetime. They run
// before any handler added with Subscribe.
func WithStatic(name string, handlers ...Handler) Option {
	return func(l *Local) {
		for _, h := range handlers {
			if h != nil {
				l.static[name] = append(l.static[name], h)
			}
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Local) { l.logger = logger }
}

// Local is the in-process Bus. Publishing reads an immutable snapshot of the
// subscriptions, so Subscribe and Unsubscribe never affect a publish that is
// already running.
type Local struct {
	logger zerolog.Logger
	static map[string][]Handler

	mu      sync.Mutex // serializes writers of dynamic
	nextID  uint64
	dynamic atomic.Pointer[table]
}

func NewLocal(opts ...Option) *Local {
	l := &Local{
		logger: zerolog.Nop(),
		static: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.dynamic.Store(&table{})
	return l
}

func (l *Local) Publish(ctx context.Context, e Event) error {
	if e == nil {
		return domain.InvalidConfiguration("nil event")
	}
	name := e.EventName()
	metrics.EventsPublished.WithLabelValues(name).Inc()

	static := l.static[name]
	dynamic := (*l.dynamic.Load())[name]
	if len(static)+len(dynamic) == 0 {
		l.logger.Debug().Str("event", name).Msg("event has no handlers")
		return nil
	}

	for i, h := range static {
		if err := l.deliver(ctx, h, e); err != nil {
			return l.fail(name, "static", i, err)
		}
	}
	for i, b := range dynamic {
		if err := l.deliver(ctx, b.h, e); err != nil {
			return l.fail(name, "dynamic", i, err)
		}
	}
	return nil
}

func (l *Local) deliver(ctx context.Context, h Handler, e Event) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Str("event", e.EventName()).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("event handler panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, e)
}

func (l *Local) fail(name, group string, index int, err error) error {
	metrics.EventHandlerFailures.WithLabelValues(name).Inc()
	l.logger.Error().Err(err).Str("event", name).Str("group", group).Int("index", index).Msg("event handler failed")
	return &domain.HandlerFailureError{Kind: "event", Target: name, Err: err}
}

func (l *Local) Subscribe(name string, h Handler) Subscription {
	if h == nil {
		panic("eventbus: nil handler")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	sub := Subscription{name: name, id: l.nextID}

	old := *l.dynamic.Load()
	next := make(table, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	bindings := make([]binding, 0, len(old[name])+1)
	bindings = append(bindings, old[name]...)
	next[name] = append(bindings, binding{id: sub.id, h: h})
	l.dynamic.Store(&next)
	return sub
}

func (l *Local) Unsubscribe(s Subscription) {
	if s.id == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	old := *l.dynamic.Load()
	current := old[s.name]
	kept := make([]binding, 0, len(current))
	for _, b := range current {
		if b.id != s.id {
			kept = append(kept, b)
		}
	}
	if len(kept) == len(current) {
		return
	}
	next := make(table, len(old))
	for k, v := range old {
		next[k] = v
	}
	if len(kept) == 0 {
		delete(next, s.name)
	} else {
		next[s.name] = kept
	}
	l.dynamic.Store(&next)
}

// Count reports how many handlers would receive an event named name.
func (l *Local) Count(name string) int {
	return len(l.static[name]) + len((*l.dynamic.Load())[name])
}
