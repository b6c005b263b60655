//go:build unit

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeJob struct {
	name    string
	backlog atomic.Int64
	ticks   atomic.Int64
	fail    atomic.Int64
	panics  atomic.Bool
	block   chan struct{}
}

func (j *fakeJob) Name() string { return j.name }

func (j *fakeJob) Tick(_ context.Context) (bool, error) {
	j.ticks.Add(1)

	if j.block != nil {
		<-j.block
	}

	if j.panics.Load() {
		panic("job exploded")
	}

	if j.fail.Load() > 0 {
		j.fail.Add(-1)
		return false, errors.New("store unavailable")
	}

	if j.backlog.Load() > 0 {
		return j.backlog.Add(-1) > 0, nil
	}

	return false, nil
}

func runAsync(t *testing.T, s *Scheduler, ctx context.Context) <-chan error {
	t.Helper()

	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	return done
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	require.ErrorIs(t, err, ErrNoJobs)

	_, err = New(nil, []Job{nil})
	require.ErrorIs(t, err, ErrJobRequired)

	_, err = New(nil, []Job{&fakeJob{name: " "}})
	require.ErrorIs(t, err, ErrJobName)
}

func TestRun_DrainsBacklogWithoutWaitingForInterval(t *testing.T) {
	job := &fakeJob{name: "drain"}
	job.backlog.Store(50)

	s, err := New(nil, []Job{job}, WithPollInterval(time.Hour))
	require.NoError(t, err)

	// keep the start jitter short; the hour-long option proves draining does
	// not sleep between ticks
	s.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(t, s, ctx)

	require.Eventually(t, func() bool { return job.backlog.Load() == 0 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, job.ticks.Load(), int64(50))
}

func TestRun_RecoversFromErrorsAndPanics(t *testing.T) {
	failing := &fakeJob{name: "failing"}
	failing.fail.Store(2)

	panicking := &fakeJob{name: "panicking"}
	panicking.panics.Store(true)

	s, err := New(nil, []Job{failing, panicking}, WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	done := runAsync(t, s, context.Background())

	require.Eventually(t, func() bool {
		return failing.ticks.Load() >= 4 && panicking.ticks.Load() >= 2
	}, 5*time.Second, time.Millisecond)

	s.Stop()
	require.NoError(t, <-done)
}

func TestRun_PollersPerJob(t *testing.T) {
	job := &fakeJob{name: "blocking", block: make(chan struct{})}

	s, err := New(nil, []Job{job}, WithPollers(3), WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	done := runAsync(t, s, context.Background())

	require.Eventually(t, func() bool { return job.ticks.Load() == 3 }, 2*time.Second, time.Millisecond)

	s.Stop()
	close(job.block)
	require.NoError(t, <-done)
}

func TestRun_RejectsSecondRun(t *testing.T) {
	job := &fakeJob{name: "idle"}

	s, err := New(nil, []Job{job}, WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	done := runAsync(t, s, context.Background())

	require.Eventually(t, func() bool { return job.ticks.Load() > 0 }, 2*time.Second, time.Millisecond)
	require.ErrorIs(t, s.Run(context.Background()), ErrRunning)

	s.Stop()
	require.NoError(t, <-done)
}

func TestRun_RateLimit(t *testing.T) {
	job := &fakeJob{name: "limited"}
	job.backlog.Store(1_000_000)

	s, err := New(nil, []Job{job}, WithPollInterval(time.Millisecond), WithRateLimit(rate.Limit(20), 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))
	assert.LessOrEqual(t, job.ticks.Load(), int64(8))
}

func TestShutdown_WaitsForInFlightTick(t *testing.T) {
	release := make(chan struct{})
	job := &fakeJob{name: "slow", block: release}

	s, err := New(nil, []Job{job}, WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	runDone := runAsync(t, s, context.Background())

	require.Eventually(t, func() bool { return job.ticks.Load() == 1 }, 2*time.Second, time.Millisecond)

	shutdownDone := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		shutdownDone <- s.Shutdown(ctx)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while a tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	require.NoError(t, <-shutdownDone)
	require.NoError(t, <-runDone)
}

func TestShutdown_TimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	job := &fakeJob{name: "stuck", block: release}

	s, err := New(nil, []Job{job}, WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return job.ticks.Load() == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
}

func TestShutdown_BeforeStartIsNoop(t *testing.T) {
	s, err := New(nil, []Job{&fakeJob{name: "x"}})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestStart_ReturnsImmediatelyAndShutdownDrains(t *testing.T) {
	job := &fakeJob{name: "bg"}
	job.backlog.Store(10)

	s, err := New(nil, []Job{job}, WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrRunning)

	require.Eventually(t, func() bool { return job.backlog.Load() == 0 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Shutdown(ctx))

	ticks := job.ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ticks, job.ticks.Load(), "no poller may tick after Shutdown returns")

	// a stopped scheduler can be started again
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return job.ticks.Load() > ticks }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Shutdown(ctx))
}

func TestStart_StopsWhenContextIsCancelled(t *testing.T) {
	job := &fakeJob{name: "ctx"}

	s, err := New(nil, []Job{job}, WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return job.ticks.Load() > 0 }, 2*time.Second, time.Millisecond)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()

	require.NoError(t, s.Shutdown(shutdownCtx))
}
