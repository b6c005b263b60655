package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/workitem"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned by guarded handlers while their breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State mirrors gobreaker's states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// Breaker guards calls to one dependency.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func newBreaker(name string, cfg Config, logger log.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return cfg.readyToTrip(c.Requests, c.TotalFailures, c.ConsecutiveFailures)
		},
		// a permanent failure is the item's fault, not the dependency's
		IsSuccessful: func(err error) bool {
			return err == nil || workitem.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := log.LevelWarn
			if to == gobreaker.StateClosed {
				level = log.LevelInfo
			}

			logger.Log(context.Background(), level, "circuit breaker state changed",
				log.String("breaker", name),
				log.String("from", string(convertState(from))),
				log.String("to", string(convertState(to))))
		},
	}

	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State { return convertState(b.cb.State()) }

// Do runs fn through the breaker.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrOpen, b.name, err)
	}

	return err
}

// Wrap returns a handler that runs h through b.
func Wrap[M any](b *Breaker, h func(context.Context, M) error) func(context.Context, M) error {
	return func(ctx context.Context, msg M) error {
		return b.Do(func() error { return h(ctx, msg) })
	}
}

// Manager hands out one Breaker per name.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   log.Logger
}

func NewManager(logger log.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		logger:   log.OrNop(logger),
	}
}

// GetOrCreate returns the breaker for name, creating it with cfg on first
// use. Later calls ignore cfg.
func (m *Manager) GetOrCreate(name string, cfg Config) (*Breaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("circuit breaker %s: %w", name, err)
	}

	b := newBreaker(name, cfg, m.logger)
	m.breakers[name] = b

	m.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker", log.String("breaker", name))

	return b, nil
}

// States snapshots every breaker's state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}

	return out
}
