// Package backfill synthesizes notification.requested outbox events for
// notifications that predate the outbox, so downstream consumers see them.
//
// A run is forward-only and idempotent: event ids derive from notification
// ids, and existing events are left alone. A redis lock keeps concurrent
// runs from overlapping.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/redislock"
	"github.com/google/uuid"
)

const (
	EventType        = "notification.requested"
	DefaultLockKey   = "deferred:backfill:notifications"
	DefaultBatchSize = 200
)

var (
	ErrStoreRequired  = errors.New("backfill: store is required")
	ErrLockerRequired = errors.New("backfill: locker is required")
	ErrLocked         = errors.New("backfill: another run holds the lock")
)

// namespace seeds the deterministic event ids.
var namespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("forgefit/deferred/backfill/notification"))

// EventID is the outbox event id synthesized for a notification.
func EventID(notificationID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(namespace, notificationID[:])
}

type Store interface {
	BackfillCandidates(ctx context.Context, after uuid.UUID, limit int) ([]*notification.Notification, error)
	InsertEventsIfAbsent(ctx context.Context, events []*outbox.Event) (int, error)
}

type Locker interface {
	TryLock(ctx context.Context, key string) (redislock.Handle, bool, error)
}

// Result summarizes a run. Skipped counts notifications whose event could
// not be built.
type Result struct {
	Scanned  int
	Inserted int
	Skipped  int
}

type requested struct {
	NotificationID uuid.UUID       `json:"notification_id"`
	Channel        string          `json:"channel"`
	Type           string          `json:"type"`
	Recipient      string          `json:"recipient"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
}

type Backfiller struct {
	store     Store
	locker    Locker
	logger    log.Logger
	batchSize int
	lockKey   string
	now       func() time.Time
}

type Option func(*Backfiller)

func WithLogger(l log.Logger) Option {
	return func(b *Backfiller) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithBatchSize(n int) Option {
	return func(b *Backfiller) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithLockKey(key string) Option {
	return func(b *Backfiller) {
		if key != "" {
			b.lockKey = key
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Backfiller) {
		if now != nil {
			b.now = now
		}
	}
}

func New(store Store, locker Locker, opts ...Option) (*Backfiller, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if locker == nil {
		return nil, ErrLockerRequired
	}

	b := &Backfiller{
		store:     store,
		locker:    locker,
		logger:    log.NewNop(),
		batchSize: DefaultBatchSize,
		lockKey:   DefaultLockKey,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// Run walks every candidate notification once. It returns ErrLocked without
// touching the store when another run is active.
func (b *Backfiller) Run(ctx context.Context) (Result, error) {
	var res Result

	lock, ok, err := b.locker.TryLock(ctx, b.lockKey)
	if err != nil {
		return res, fmt.Errorf("acquire backfill lock: %w", err)
	}

	if !ok {
		return res, ErrLocked
	}

	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			b.logger.Log(ctx, log.LevelWarn, "failed to release backfill lock", log.Err(err))
		}
	}()

	after := uuid.Nil

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := b.store.BackfillCandidates(ctx, after, b.batchSize)
		if err != nil {
			return res, fmt.Errorf("list backfill candidates: %w", err)
		}

		if len(page) == 0 {
			break
		}

		events := make([]*outbox.Event, 0, len(page))

		for _, n := range page {
			res.Scanned++

			e, err := b.eventFor(n)
			if err != nil {
				res.Skipped++
				b.logger.Log(ctx, log.LevelWarn, "skipping notification",
					log.String("notification_id", n.ID.String()), log.Err(err))

				continue
			}

			events = append(events, e)
		}

		if len(events) > 0 {
			inserted, err := b.store.InsertEventsIfAbsent(ctx, events)
			if err != nil {
				return res, fmt.Errorf("insert backfill events: %w", err)
			}

			res.Inserted += inserted
		}

		after = page[len(page)-1].ID

		if err := lock.Extend(ctx); err != nil {
			return res, fmt.Errorf("extend backfill lock: %w", err)
		}

		if len(page) < b.batchSize {
			break
		}
	}

	b.logger.Log(ctx, log.LevelInfo, "notification backfill finished",
		log.Int("scanned", res.Scanned), log.Int("inserted", res.Inserted), log.Int("skipped", res.Skipped))

	return res, nil
}

func (b *Backfiller) eventFor(n *notification.Notification) (*outbox.Event, error) {
	payload, err := json.Marshal(requested{
		NotificationID: n.ID,
		Channel:        string(n.Channel),
		Type:           n.Type,
		Recipient:      n.Recipient,
		Status:         string(n.Status()),
		Payload:        json.RawMessage(n.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}

	return outbox.NewEvent(EventID(n.ID), EventType, payload, n.CorrelationID, b.now())
}
