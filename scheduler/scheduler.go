package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/forgefit/deferred/backoff"
	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/runtime"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = time.Second
	DefaultPollers      = 1
	// maxErrorBackoffFactor caps the error backoff at this multiple of the
	// poll interval.
	maxErrorBackoffFactor = 30
)

var (
	ErrNoJobs      = errors.New("scheduler needs at least one job")
	ErrJobRequired = errors.New("scheduler job is nil")
	ErrJobName     = errors.New("scheduler job name is empty")
	ErrRunning     = errors.New("scheduler is already running")

	errRunAborted = errors.New("scheduler run aborted by a panic")
)

// Job is one unit of periodic work. Tick reports whether more work is
// immediately available.
type Job interface {
	Name() string
	Tick(ctx context.Context) (bool, error)
}

type Option func(*Scheduler)

// WithPollers sets how many concurrent pollers run per job.
func WithPollers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.pollers = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRateLimit bounds ticks per second across every poller. A zero limit
// disables limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Scheduler) {
		if limit <= 0 {
			s.limiter = nil
			return
		}

		if burst <= 0 {
			burst = 1
		}

		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// Scheduler runs jobs until stopped.
type Scheduler struct {
	jobs     []Job
	logger   log.Logger
	pollers  int
	interval time.Duration
	limiter  *rate.Limiter

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	cancelFunc context.CancelFunc
	current    *run
}

// run tracks one Start until every poller has returned.
type run struct {
	done chan struct{}
	err  error
}

func New(logger log.Logger, jobs []Job, opts ...Option) (*Scheduler, error) {
	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}

	for i, j := range jobs {
		if j == nil {
			return nil, fmt.Errorf("%w: index %d", ErrJobRequired, i)
		}

		if strings.TrimSpace(j.Name()) == "" {
			return nil, fmt.Errorf("%w: index %d", ErrJobName, i)
		}
	}

	if logger == nil {
		logger = log.NewNop()
	}

	s := &Scheduler{
		jobs:     append([]Job(nil), jobs...),
		logger:   logger,
		pollers:  DefaultPollers,
		interval: DefaultPollInterval,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Start launches the pollers in the background and returns immediately.
// They run until ctx is cancelled, Stop is called or Shutdown completes.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.start(ctx)

	return err
}

// Run is Start followed by waiting for the pollers to exit. It returns nil
// on a clean stop.
func (s *Scheduler) Run(ctx context.Context) error {
	r, err := s.start(ctx)
	if err != nil {
		return err
	}

	<-r.done

	return r.err
}

func (s *Scheduler) start(parentCtx context.Context) (*run, error) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)

	r, ok := s.registerRun(cancel)
	if !ok {
		cancel()

		return nil, ErrRunning
	}

	runtime.SafeGo(ctx, s.logger, "scheduler", "run", func() {
		err := errRunAborted

		defer func() {
			cancel()
			s.finishRun(r, err)
		}()

		err = s.loop(ctx)
	})

	return r, nil
}

func (s *Scheduler) loop(ctx context.Context) error {
	s.logger.Log(ctx, log.LevelInfo, "scheduler started",
		log.Int("jobs", len(s.jobs)),
		log.Int("pollers_per_job", s.pollers),
		log.Duration("poll_interval", s.interval))
	defer s.logger.Log(context.Background(), log.LevelInfo, "scheduler stopped")

	g, gctx := errgroup.WithContext(ctx)

	for _, job := range s.jobs {
		for p := range s.pollers {
			g.Go(func() error {
				s.poll(gctx, job, p)
				return nil
			})
		}
	}

	return g.Wait()
}

func (s *Scheduler) poll(ctx context.Context, job Job, poller int) {
	logger := s.logger.With(log.String("job", job.Name()), log.Int("poller", poller))

	// stagger pollers so they do not hit the store in lockstep
	if !s.sleep(ctx, backoff.FullJitter(s.interval)) {
		return
	}

	errBackoff := backoff.Policy{Base: s.interval, Max: s.interval * maxErrorBackoffFactor}
	failures := 0

	for {
		if s.stopped(ctx) {
			return
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		more, err := s.tick(ctx, job, logger)
		if err != nil {
			if s.stopped(ctx) {
				return
			}

			failures++

			wait := errBackoff.Delay(failures)
			logger.Log(ctx, log.LevelError, "job tick failed",
				log.Err(err), log.Int("consecutive_failures", failures), log.Duration("retry_in", wait))

			if !s.sleep(ctx, wait) {
				return
			}

			continue
		}

		failures = 0

		if more {
			continue
		}

		if !s.sleep(ctx, s.interval) {
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job, logger log.Logger) (more bool, err error) {
	err = runtime.Call(ctx, logger, "scheduler", job.Name(), func() error {
		var tickErr error
		more, tickErr = job.Tick(ctx)

		return tickErr
	})

	return more, err
}

// sleep waits for d and reports whether the poller should keep going.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !s.stopped(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopSignal():
		return false
	}
}

func (s *Scheduler) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	return isClosedSignal(s.stopSignal())
}

func (s *Scheduler) stopSignal() <-chan struct{} {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	return s.stop
}

// Stop signals every poller to exit after its current tick.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}

	s.stopOnce.Do(func() {
		s.runStateMu.Lock()
		cancel := s.cancelFunc
		stop := s.stop
		s.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the scheduler and waits until every poller has returned,
// which includes any tick in flight, or until ctx is done. It returns the
// error the run ended with.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.Stop()

	s.runStateMu.Lock()
	r := s.current
	s.runStateMu.Unlock()

	if r == nil {
		return nil
	}

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) registerRun(cancel context.CancelFunc) (*run, bool) {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	if s.current != nil && !isClosedSignal(s.current.done) {
		return nil, false
	}

	if isClosedSignal(s.stop) {
		s.stop = make(chan struct{})
		s.stopOnce = sync.Once{}
	}

	r := &run{done: make(chan struct{})}
	s.current = r
	s.cancelFunc = cancel

	return r, true
}

func (s *Scheduler) finishRun(r *run, err error) {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	r.err = err
	close(r.done)

	if s.current == r {
		s.cancelFunc = nil
	}
}

func isClosedSignal(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}
