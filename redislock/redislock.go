package redislock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forgefit/deferred/log"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxLockTries = 1000

var (
	ErrNilClient         = errors.New("redislock: redis client is nil")
	ErrEmptyLockKey      = errors.New("redislock: lock key is empty")
	ErrNilLockFn         = errors.New("redislock: function is nil")
	ErrLockNotHeld       = errors.New("redislock: lock was not held or already expired")
	ErrLockExpiryInvalid = errors.New("redislock: expiry must be positive")
	ErrLockTriesInvalid  = fmt.Errorf("redislock: tries must be within [1, %d]", maxLockTries)
	ErrRetryDelayInvalid = errors.New("redislock: retry delay must not be negative")
	ErrDriftInvalid      = errors.New("redislock: drift factor must be within [0, 1)")
)

// Options tune a mutex. Expiry bounds how long a crashed holder blocks
// others.
type Options struct {
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

func DefaultOptions() Options {
	return Options{
		Expiry:      30 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

func (o Options) validate() error {
	switch {
	case o.Expiry <= 0:
		return ErrLockExpiryInvalid
	case o.Tries < 1 || o.Tries > maxLockTries:
		return ErrLockTriesInvalid
	case o.RetryDelay < 0:
		return ErrRetryDelayInvalid
	case o.DriftFactor < 0 || o.DriftFactor >= 1:
		return ErrDriftInvalid
	}

	return nil
}

// Handle is an acquired lock.
type Handle interface {
	// Extend pushes the expiry out by the lock's full Expiry again.
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Locker hands out distributed mutexes. Safe for concurrent use.
type Locker struct {
	rs     *redsync.Redsync
	opts   Options
	logger log.Logger
	tracer trace.Tracer
}

type Option func(*Locker)

func WithLogger(l log.Logger) Option {
	return func(lk *Locker) {
		if l != nil {
			lk.logger = l
		}
	}
}

func WithOptions(o Options) Option {
	return func(lk *Locker) { lk.opts = o }
}

// Connect opens a client for addr and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("redislock: ping %s: %w", addr, err)
	}

	return client, nil
}

func New(client redis.UniversalClient, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	lk := &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   DefaultOptions(),
		logger: log.NewNop(),
		tracer: otel.Tracer("github.com/forgefit/deferred/redislock"),
	}

	for _, opt := range opts {
		opt(lk)
	}

	if err := lk.opts.validate(); err != nil {
		return nil, err
	}

	return lk, nil
}

func (lk *Locker) mutex(key string, tries int) *redsync.Mutex {
	return lk.rs.NewMutex(
		key,
		redsync.WithExpiry(lk.opts.Expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(lk.opts.RetryDelay),
		redsync.WithDriftFactor(lk.opts.DriftFactor),
	)
}

// WithLock runs fn while holding key, retrying acquisition per Options.
func (lk *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(key) == "" {
		return ErrEmptyLockKey
	}

	ctx, span := lk.tracer.Start(ctx, "redislock.with_lock")
	defer span.End()

	safeKey := safeKeyForLogs(key)
	m := lk.mutex(key, lk.opts.Tries)

	if err := m.LockContext(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire lock")

		return fmt.Errorf("acquire lock %s: %w", safeKey, err)
	}

	defer func() {
		if ok, err := m.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			lk.logger.Log(ctx, log.LevelWarn, "failed to release lock",
				log.String("lock_key", safeKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	return fn(ctx)
}

// TryLock makes a single acquisition attempt. A lock held elsewhere yields
// (nil, false, nil); only unexpected failures are errors.
func (lk *Locker) TryLock(ctx context.Context, key string) (Handle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyLockKey
	}

	ctx, span := lk.tracer.Start(ctx, "redislock.try_lock")
	defer span.End()

	safeKey := safeKeyForLogs(key)
	m := lk.mutex(key, 1)

	if err := m.LockContext(ctx); err != nil {
		if isContention(err) {
			lk.logger.Log(ctx, log.LevelDebug, "lock held elsewhere", log.String("lock_key", safeKey))

			return nil, false, nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "try lock")

		return nil, false, fmt.Errorf("try lock %s: %w", safeKey, err)
	}

	return &handle{mutex: m, key: safeKey, logger: lk.logger}, true, nil
}

func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

type handle struct {
	mutex  *redsync.Mutex
	key    string
	logger log.Logger
}

func (h *handle) Extend(ctx context.Context) error {
	ok, err := h.mutex.ExtendContext(ctx)
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", h.key, err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

func (h *handle) Unlock(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Log(ctx, log.LevelWarn, "failed to release lock", log.String("lock_key", h.key), log.Err(err))

		return fmt.Errorf("unlock %s: %w", h.key, err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

func safeKeyForLogs(key string) string {
	const maxLen = 128

	quoted := strconv.QuoteToASCII(key)
	if len(quoted) <= maxLen {
		return quoted
	}

	return quoted[:maxLen] + "...(truncated)"
}
