package eventbus_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostflow/internal/domain"
	"hostflow/internal/eventbus"
)

type userCreated struct {
	Name string
}

func (userCreated) EventName() string { return "user.created" }

type orderPlaced struct{}

func (orderPlaced) EventName() string { return "order.placed" }

func recorder(calls *[]string, tag string, err error) eventbus.Handler {
	return func(context.Context, eventbus.Event) error {
		*calls = append(*calls, tag)
		return err
	}
}

func TestPublish_RunsHandlersInOrder(t *testing.T) {
	var calls []string
	bus := eventbus.NewLocal(eventbus.WithStatic("user.created", recorder(&calls, "static", nil)))
	bus.Subscribe("user.created", recorder(&calls, "first", nil))
	bus.Subscribe("user.created", recorder(&calls, "second", nil))
	bus.Subscribe("order.placed", recorder(&calls, "other", nil))

	require.NoError(t, bus.Publish(context.Background(), userCreated{Name: "ann"}))
	assert.Equal(t, []string{"static", "first", "second"}, calls)
}

func TestPublish_PassesEvent(t *testing.T) {
	bus := eventbus.NewLocal()
	var got string
	eventbus.On(bus, func(_ context.Context, e userCreated) error {
		got = e.Name
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), userCreated{Name: "ann"}))
	assert.Equal(t, "ann", got)
}

func TestPublish_NoHandlers(t *testing.T) {
	bus := eventbus.NewLocal()
	assert.NoError(t, bus.Publish(context.Background(), orderPlaced{}))
}

func TestPublish_FailFast(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	bus := eventbus.NewLocal()
	bus.Subscribe("user.created", recorder(&calls, "h1", nil))
	bus.Subscribe("user.created", recorder(&calls, "h2", boom))
	bus.Subscribe("user.created", recorder(&calls, "h3", nil))

	err := bus.Publish(context.Background(), userCreated{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHandlerFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"h1", "h2"}, calls)

	var hf *domain.HandlerFailureError
	require.ErrorAs(t, err, &hf)
	assert.Equal(t, "event", hf.Kind)
	assert.Equal(t, "user.created", hf.Target)
}

func TestPublish_StaticFailureSkipsDynamic(t *testing.T) {
	var calls []string
	bus := eventbus.NewLocal(eventbus.WithStatic("user.created", recorder(&calls, "static", errors.New("nope"))))
	bus.Subscribe("user.created", recorder(&calls, "dynamic", nil))

	require.Error(t, bus.Publish(context.Background(), userCreated{}))
	assert.Equal(t, []string{"static"}, calls)
}

func TestPublish_PanicBecomesHandlerFailure(t *testing.T) {
	var buf bytes.Buffer
	var calls []string
	bus := eventbus.NewLocal(eventbus.WithLogger(zerolog.New(&buf)))
	bus.Subscribe("user.created", func(context.Context, eventbus.Event) error { panic("kaboom") })
	bus.Subscribe("user.created", recorder(&calls, "after", nil))

	err := bus.Publish(context.Background(), userCreated{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHandlerFailure)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Empty(t, calls)
	assert.Contains(t, buf.String(), "event handler panicked")
}

func TestPublish_CancelledContext(t *testing.T) {
	var calls []string
	bus := eventbus.NewLocal()
	bus.Subscribe("user.created", recorder(&calls, "h1", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.Publish(ctx, userCreated{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func TestPublish_NilEvent(t *testing.T) {
	err := eventbus.NewLocal().Publish(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestSubscribeDuringPublish(t *testing.T) {
	var calls []string
	bus := eventbus.NewLocal()
	bus.Subscribe("user.created", func(ctx context.Context, e eventbus.Event) error {
		calls = append(calls, "outer")
		bus.Subscribe("user.created", recorder(&calls, "late", nil))
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), userCreated{}))
	assert.Equal(t, []string{"outer"}, calls)

	calls = nil
	require.NoError(t, bus.Publish(context.Background(), userCreated{}))
	assert.Equal(t, []string{"outer", "late"}, calls)
}

func TestUnsubscribe(t *testing.T) {
	var calls []string
	bus := eventbus.NewLocal()
	h := recorder(&calls, "same", nil)
	first := bus.Subscribe("user.created", h)
	bus.Subscribe("user.created", h)
	assert.Equal(t, 2, bus.Count("user.created"))

	bus.Unsubscribe(first)
	bus.Unsubscribe(first)
	bus.Unsubscribe(eventbus.Subscription{})
	assert.Equal(t, 1, bus.Count("user.created"))

	require.NoError(t, bus.Publish(context.Background(), userCreated{}))
	assert.Equal(t, []string{"same"}, calls)
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	var calls []string
	bus := eventbus.NewLocal()
	var second eventbus.Subscription
	bus.Subscribe("user.created", func(context.Context, eventbus.Event) error {
		calls = append(calls, "first")
		bus.Unsubscribe(second)
		return nil
	})
	second = bus.Subscribe("user.created", recorder(&calls, "second", nil))

	require.NoError(t, bus.Publish(context.Background(), userCreated{}))
	assert.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	require.NoError(t, bus.Publish(context.Background(), userCreated{}))
	assert.Equal(t, []string{"first"}, calls)
}

func TestHandlerFor_RejectsOtherTypes(t *testing.T) {
	h := eventbus.HandlerFor(func(context.Context, userCreated) error { return nil })
	err := h(context.Background(), eventbus.Raw{Name: "user.created"})
	assert.ErrorContains(t, err, "unexpected type")
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestRawEvent(t *testing.T) {
	bus := eventbus.NewLocal()
	var payload string
	bus.Subscribe("webhook", func(_ context.Context, e eventbus.Event) error {
		payload = string(e.(eventbus.Raw).Payload)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), eventbus.Raw{Name: "webhook", Payload: []byte(`{"a":1}`)}))
	assert.Equal(t, `{"a":1}`, payload)
}

func TestNoOp(t *testing.T) {
	bus := eventbus.NoOp()
	called := false
	sub := bus.Subscribe("user.created", func(context.Context, eventbus.Event) error {
		called = true
		return nil
	})
	assert.Equal(t, "user.created", sub.Name())
	require.NoError(t, bus.Publish(context.Background(), userCreated{}))
	bus.Unsubscribe(sub)
	assert.False(t, called)
}
