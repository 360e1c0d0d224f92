package eventbus

import "context"

type noop struct{}

// NoOp returns a Bus that drops every event. It is the default for
// components that publish but were not given a bus.
func NoOp() Bus { return noop{} }

func (noop) Publish(context.Context, Event) error          { return nil }
func (noop) Subscribe(name string, _ Handler) Subscription { return Subscription{name: name} }
func (noop) Unsubscribe(Subscription)                      {}
