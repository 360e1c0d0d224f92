package jobs_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"hostflow/internal/clock"
	"hostflow/internal/domain"
	"hostflow/internal/eventbus"
	"hostflow/internal/jobs"
	"hostflow/internal/queue"
	"hostflow/internal/worker"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type greetArgs struct {
	Name string `json:"name"`
}

func setup(t *testing.T, opts ...jobs.Option) (*jobs.Manager, *queue.MemoryStore, *clock.Fake) {
	t.Helper()
	store := queue.NewMemoryStore()
	clk := clock.NewFake(epoch)
	m := jobs.NewManager(store, jobs.NewRegistry(), append([]jobs.Option{jobs.WithClock(clk)}, opts...)...)
	return m, store, clk
}

func TestEnqueue_NoHandler(t *testing.T) {
	m, store, _ := setup(t)

	_, err := m.Enqueue(context.Background(), "Missing", greetArgs{Name: "x"})
	require.ErrorIs(t, err, domain.ErrNoHandlerRegistered)

	var nh *domain.NoHandlerRegisteredError
	require.ErrorAs(t, err, &nh)
	assert.Equal(t, "Missing", nh.JobType)
	assert.Zero(t, store.Len("Missing"))
}

func TestEnqueue_DoesNotRunHandler(t *testing.T) {
	m, store, _ := setup(t)
	ran := false
	require.NoError(t, m.Registry().Register("Greet", func(context.Context, json.RawMessage) error {
		ran = true
		return nil
	}))

	id, err := m.Enqueue(context.Background(), "Greet", greetArgs{Name: "x"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "job_"))
	assert.False(t, ran)
	assert.Equal(t, 1, store.Len("Greet"))

	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.State)
	assert.JSONEq(t, `{"name":"x"}`, string(j.Args))
}

func TestDispatch_GreetScenario(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	m, store, _ := setup(t)
	require.NoError(t, jobs.RegisterTyped(m.Registry(), "Greet", func(_ context.Context, a greetArgs) error {
		logger.Info().Msg("hello " + a.Name)
		return nil
	}))

	id, err := m.Enqueue(context.Background(), "Greet", greetArgs{Name: "X"})
	require.NoError(t, err)
	require.NoError(t, m.DispatchOnce(context.Background()))
	require.NoError(t, m.DispatchOnce(context.Background()))

	assert.Equal(t, 1, strings.Count(buf.String(), "hello X"))
	_, err = store.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, store.Len("Greet"))
}

func TestDispatch_FIFOWithinType(t *testing.T) {
	m, _, _ := setup(t)
	var got []int
	require.NoError(t, jobs.RegisterTyped(m.Registry(), "Seq", func(_ context.Context, n int) error {
		got = append(got, n)
		return nil
	}))

	for i := 1; i <= 5; i++ {
		_, err := m.Enqueue(context.Background(), "Seq", i)
		require.NoError(t, err)
	}
	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestDispatch_TypesRunConcurrently(t *testing.T) {
	m, store, _ := setup(t)
	var mu sync.Mutex
	seen := map[string]int{}
	count := func(name string) jobs.HandlerFunc {
		return func(context.Context, json.RawMessage) error {
			mu.Lock()
			defer mu.Unlock()
			seen[name]++
			return nil
		}
	}
	require.NoError(t, m.Registry().Register("A", count("A")))
	require.NoError(t, m.Registry().Register("B", count("B")))
	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(context.Background(), "A", nil)
		require.NoError(t, err)
		_, err = m.Enqueue(context.Background(), "B", nil)
		require.NoError(t, err)
	}

	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, map[string]int{"A": 3, "B": 3}, seen)
	assert.Zero(t, store.Len("A")+store.Len("B"))
}

func TestDispatch_BatchSize(t *testing.T) {
	m, store, _ := setup(t, jobs.WithBatchSize(2))
	require.NoError(t, m.Registry().Register("A", func(context.Context, json.RawMessage) error { return nil }))
	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(context.Background(), "A", nil)
		require.NoError(t, err)
	}

	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, 1, store.Len("A"))
	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Zero(t, store.Len("A"))
}

func TestDispatch_FailureMarksJobFailed(t *testing.T) {
	bus := eventbus.NewLocal()
	var failed []jobs.JobFailed
	eventbus.On(bus, func(_ context.Context, e jobs.JobFailed) error {
		failed = append(failed, e)
		return nil
	})
	m, _, _ := setup(t, jobs.WithBus(bus))
	calls := 0
	require.NoError(t, m.Registry().Register("Bad", func(context.Context, json.RawMessage) error {
		calls++
		return errors.New("disk full")
	}))

	id, err := m.Enqueue(context.Background(), "Bad", nil)
	require.NoError(t, err)
	require.NoError(t, m.DispatchOnce(context.Background()))
	require.NoError(t, m.DispatchOnce(context.Background()))

	assert.Equal(t, 1, calls)
	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Contains(t, j.LastError, "disk full")

	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.False(t, failed[0].Retrying)
}

func TestDispatch_PanicMarksJobFailed(t *testing.T) {
	m, _, _ := setup(t)
	require.NoError(t, m.Registry().Register("Panics", func(context.Context, json.RawMessage) error {
		panic("nil map")
	}))

	id, err := m.Enqueue(context.Background(), "Panics", nil)
	require.NoError(t, err)
	require.NoError(t, m.DispatchOnce(context.Background()))

	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Contains(t, j.LastError, "panic: nil map")
}

func TestDispatch_BadArgsFailJob(t *testing.T) {
	m, _, _ := setup(t)
	require.NoError(t, jobs.RegisterTyped(m.Registry(), "Greet", func(context.Context, greetArgs) error { return nil }))

	id, err := m.Enqueue(context.Background(), "Greet", json.RawMessage(`{"name":42}`))
	require.NoError(t, err)
	require.NoError(t, m.DispatchOnce(context.Background()))

	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Contains(t, j.LastError, "decode args")
}

func TestDispatch_BackoffRequeues(t *testing.T) {
	m, _, clk := setup(t, jobs.WithRetryPolicy(jobs.Backoff{MaxAttempts: 2, Base: time.Minute}))
	calls := 0
	require.NoError(t, m.Registry().Register("Flaky", func(context.Context, json.RawMessage) error {
		calls++
		return errors.New("unavailable")
	}))

	id, err := m.Enqueue(context.Background(), "Flaky", nil)
	require.NoError(t, err)

	require.NoError(t, m.DispatchOnce(context.Background()))
	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.State)
	assert.Equal(t, epoch.Add(time.Minute), j.RunAt)

	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, 1, calls)

	clk.Advance(time.Minute)
	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, 2, calls)

	j, err = m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Equal(t, 2, j.Attempts)
}

func TestDispatch_Delay(t *testing.T) {
	m, store, clk := setup(t)
	require.NoError(t, m.Registry().Register("Later", func(context.Context, json.RawMessage) error { return nil }))

	_, err := m.Enqueue(context.Background(), "Later", nil, jobs.WithDelay(time.Minute))
	require.NoError(t, err)

	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, 1, store.Len("Later"))

	clk.Advance(time.Minute)
	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Zero(t, store.Len("Later"))
}

func TestDispatch_RateLimit(t *testing.T) {
	m, store, clk := setup(t, jobs.WithRateLimit("Limited", rate.Every(time.Hour), 1))
	require.NoError(t, m.Registry().Register("Limited", func(context.Context, json.RawMessage) error { return nil }))
	for i := 0; i < 2; i++ {
		_, err := m.Enqueue(context.Background(), "Limited", nil)
		require.NoError(t, err)
	}

	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, 1, store.Len("Limited"))
	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, 1, store.Len("Limited"))

	clk.Advance(time.Hour)
	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Zero(t, store.Len("Limited"))
}

func TestDispatch_PublishesCompleted(t *testing.T) {
	bus := eventbus.NewLocal()
	var done []jobs.JobCompleted
	eventbus.On(bus, func(_ context.Context, e jobs.JobCompleted) error {
		done = append(done, e)
		return nil
	})
	m, _, _ := setup(t, jobs.WithBus(bus))
	require.NoError(t, m.Registry().Register("A", func(context.Context, json.RawMessage) error { return nil }))

	id, err := m.Enqueue(context.Background(), "A", nil)
	require.NoError(t, err)
	require.NoError(t, m.DispatchOnce(context.Background()))

	require.Len(t, done, 1)
	assert.Equal(t, id, done[0].ID)
	assert.Equal(t, 1, done[0].Attempts)
}

func TestDispatch_MiddlewareWrapsHandler(t *testing.T) {
	var trace []string
	mw := func(tag string) jobs.Middleware {
		return func(ctx context.Context, j domain.Job, next jobs.Handler) error {
			trace = append(trace, tag+">")
			err := next(ctx)
			trace = append(trace, "<"+tag)
			return err
		}
	}
	m, _, _ := setup(t, jobs.WithMiddleware(mw("outer"), mw("inner")))
	require.NoError(t, m.Registry().Register("A", func(context.Context, json.RawMessage) error {
		trace = append(trace, "handler")
		return nil
	}))

	_, err := m.Enqueue(context.Background(), "A", nil)
	require.NoError(t, err)
	require.NoError(t, m.DispatchOnce(context.Background()))
	assert.Equal(t, []string{"outer>", "inner>", "handler", "<inner", "<outer"}, trace)
}

// recovering wraps a MemoryStore with a RecoverStale that records its calls.
type recovering struct {
	*queue.MemoryStore
	calls int
}

func (r *recovering) RecoverStale(context.Context) (int, error) {
	r.calls++
	return 0, nil
}

func TestWorker_DispatchesOnTick(t *testing.T) {
	store := &recovering{MemoryStore: queue.NewMemoryStore()}
	clk := clock.NewFake(epoch)
	m := jobs.NewManager(store, jobs.NewRegistry(), jobs.WithClock(clk))
	done := make(chan string, 1)
	require.NoError(t, jobs.RegisterTyped(m.Registry(), "Greet", func(_ context.Context, a greetArgs) error {
		done <- a.Name
		return nil
	}))

	reg := worker.NewRegistry()
	require.NoError(t, reg.Add(context.Background(), m.Worker()))
	require.NoError(t, reg.StartAll(context.Background()))
	t.Cleanup(func() { _ = reg.StopAll(context.Background(), "test done") })
	assert.Equal(t, 1, store.calls)

	status := reg.Snapshot()
	require.Len(t, status, 1)
	assert.Equal(t, jobs.DispatcherName, status[0].Name)
	assert.Equal(t, worker.KindPeriodic, status[0].Kind)
	assert.Equal(t, jobs.DefaultPeriod, status[0].Period)

	_, err := m.Enqueue(context.Background(), "Greet", greetArgs{Name: "tick"})
	require.NoError(t, err)

	clk.BlockUntil(1)
	clk.Advance(jobs.DefaultPeriod)
	select {
	case name := <-done:
		assert.Equal(t, "tick", name)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not dispatched")
	}
}
