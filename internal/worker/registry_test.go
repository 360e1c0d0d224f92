package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostflow/internal/clock"
	"hostflow/internal/domain"
)

// stub is a minimal Worker for registry tests.
type stub struct {
	name     string
	startErr error
	started  atomic.Int32
	stopped  atomic.Int32
	block    chan struct{} // when set, Stop ignores ctx and waits on it
}

func (s *stub) Name() string { return s.name }

func (s *stub) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started.Add(1)
	return nil
}

func (s *stub) Stop(context.Context) error {
	if s.block != nil {
		<-s.block
	}
	s.stopped.Add(1)
	return nil
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(context.Background(), &stub{name: "a"}))

	err := r.Add(context.Background(), &stub{name: "a"})
	require.ErrorIs(t, err, domain.ErrDuplicateWorker)

	var dup *domain.DuplicateWorkerError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a", dup.Name)
}

func TestRegistry_StartAllPartialFailure(t *testing.T) {
	r := NewRegistry()
	bad := &stub{name: "bad", startErr: errors.New("port in use")}
	good := &stub{name: "good"}
	require.NoError(t, r.Add(context.Background(), bad))
	require.NoError(t, r.Add(context.Background(), good))

	err := r.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Contains(t, err.Error(), "port in use")

	assert.Equal(t, int32(1), good.started.Load())
	st, _ := r.State("good")
	assert.Equal(t, domain.WorkerRunning, st)
	st, _ = r.State("bad")
	assert.Equal(t, domain.WorkerStopped, st)

	require.NoError(t, r.StopAll(context.Background(), "test"))
	assert.Equal(t, int32(1), good.stopped.Load())
	assert.Equal(t, int32(0), bad.stopped.Load())
}

func TestRegistry_AddAfterStartStartsImmediately(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.StartAll(context.Background()))

	late := &stub{name: "late"}
	require.NoError(t, r.Add(context.Background(), late))
	assert.Equal(t, int32(1), late.started.Load())

	st, ok := r.State("late")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerRunning, st)
	require.NoError(t, r.StopAll(context.Background(), "test"))
}

func TestRegistry_StopAllReportsTimeout(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := NewRegistry(WithRegistryClock(fake), WithStopTimeout(time.Second))

	stubborn := &stub{name: "stubborn", block: make(chan struct{})}
	polite := &stub{name: "polite"}
	require.NoError(t, r.Add(context.Background(), stubborn))
	require.NoError(t, r.Add(context.Background(), polite))
	require.NoError(t, r.StartAll(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- r.StopAll(context.Background(), "shutdown") }()

	fake.BlockUntil(1)
	fake.Advance(time.Second)

	var err error
	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not honour its timeout")
	}
	require.ErrorIs(t, err, domain.ErrStopTimeout)

	var st *domain.StopTimeoutError
	require.True(t, errors.As(err, &st))
	assert.Equal(t, "stubborn", st.Worker)

	s, _ := r.State("stubborn")
	assert.Equal(t, domain.WorkerStopping, s)
	s, _ = r.State("polite")
	assert.Equal(t, domain.WorkerStopped, s)

	close(stubborn.block)
}

func TestRegistry_StragglerSettlesAfterTimeout(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := NewRegistry(WithRegistryClock(fake), WithStopTimeout(time.Second))

	stubborn := &stub{name: "stubborn", block: make(chan struct{})}
	require.NoError(t, r.Add(context.Background(), stubborn))
	require.NoError(t, r.StartAll(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- r.StopAll(context.Background(), "shutdown") }()
	fake.BlockUntil(1)
	fake.Advance(time.Second)
	require.ErrorIs(t, <-errCh, domain.ErrStopTimeout)

	err := r.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still stopping")
	assert.Equal(t, int32(1), stubborn.started.Load())

	close(stubborn.block)
	require.Eventually(t, func() bool {
		s, _ := r.State("stubborn")
		return s == domain.WorkerStopped
	}, time.Second, 5*time.Millisecond)

	stubborn.block = nil
	require.NoError(t, r.StartAll(context.Background()))
	assert.Equal(t, int32(2), stubborn.started.Load())
	s, _ := r.State("stubborn")
	assert.Equal(t, domain.WorkerRunning, s)
	require.NoError(t, r.StopAll(context.Background(), "test"))
}

func TestRegistry_ManualWorkerExitingOnItsOwnIsStopped(t *testing.T) {
	var runs atomic.Int32
	m := NewManual("oneshot", func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})
	r := NewRegistry()
	require.NoError(t, r.Add(context.Background(), m))
	require.NoError(t, r.StartAll(context.Background()))

	require.Eventually(t, func() bool {
		s, _ := r.State("oneshot")
		return s == domain.WorkerStopped
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.StartAll(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.StopAll(context.Background(), "test"))
}

func TestRegistry_StopAllMidTickWaitsForTick(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var ticks atomic.Int32
	p := NewPeriodic("slow", time.Second, func(ctx context.Context) error {
		ticks.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	}, WithClock(fake))

	r := NewRegistry(WithStopTimeout(5 * time.Second))
	require.NoError(t, r.Add(context.Background(), p))
	require.NoError(t, r.StartAll(context.Background()))

	fake.BlockUntil(1)
	fake.Advance(time.Second)
	<-entered

	errCh := make(chan error, 1)
	go func() { errCh <- r.StopAll(context.Background(), "test") }()

	select {
	case <-errCh:
		t.Fatal("StopAll returned before the tick completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-errCh)

	fake.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), ticks.Load())
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(context.Background(), NewPeriodic("p", 3*time.Second, func(context.Context) error { return nil })))
	require.NoError(t, r.Add(context.Background(), NewManual("m", func(ctx context.Context) error { <-ctx.Done(); return nil })))
	require.NoError(t, r.Add(context.Background(), &stub{name: "s"}))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, Status{Name: "p", Kind: KindPeriodic, State: domain.WorkerStopped, Period: 3 * time.Second}, snap[0])
	assert.Equal(t, Status{Name: "m", Kind: KindManual, State: domain.WorkerStopped}, snap[1])
	assert.Equal(t, Status{Name: "s", State: domain.WorkerStopped}, snap[2])
}

func TestRegistry_StopAllWithNothingRunning(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(context.Background(), &stub{name: "idle"}))
	require.NoError(t, r.StopAll(context.Background(), "noop"))
}
