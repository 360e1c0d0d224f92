package eventbus

import (
	"context"
	"encoding/json"

	"hostflow/internal/domain"
)

// HandlerFor adapts a function taking a concrete event type. Events of any
// other type, such as a Raw event reusing the name, are rejected as
// invalid configuration.
func HandlerFor[T Event](fn func(ctx context.Context, e T) error) Handler {
	return func(ctx context.Context, e Event) error {
		typed, ok := e.(T)
		if !ok {
			return domain.InvalidConfiguration("event %q: unexpected type %T", e.EventName(), e)
		}
		return fn(ctx, typed)
	}
}

// On subscribes fn under the name reported by T's zero value, so T must be a
// type whose EventName does not depend on its fields.
func On[T Event](b Bus, fn func(ctx context.Context, e T) error) Subscription {
	var zero T
	return b.Subscribe(zero.EventName(), HandlerFor(fn))
}

// Raw is an event whose name is chosen at runtime, used for events that
// arrive from outside the process.
type Raw struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (r Raw) EventName() string { return r.Name }
