// Package eventbus delivers in-process events synchronously to the handlers
// subscribed to the event's name.
package eventbus

import "context"

// Event is anything with a routing name.
type Event interface {
	EventName() string
}

type Handler func(ctx context.Context, e Event) error

// Subscription identifies one Subscribe call. The zero value matches nothing.
type Subscription struct {
	name string
	id   uint64
}

func (s Subscription) Name() string { return s.name }

type Bus interface {
	// Publish runs every handler for e's name on the caller's goroutine and
	// stops at the first failure.
	Publish(ctx context.Context, e Event) error
	Subscribe(name string, h Handler) Subscription
	Unsubscribe(s Subscription)
}
