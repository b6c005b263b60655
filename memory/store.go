// Package memory is an in-process store implementing every work item
// contract with the same invariants as the PostgreSQL store: caller-owned
// transactions, the (event, handler) and notification uniqueness rules,
// conditional claims and lease-checked settles. It backs unit tests and
// single-process embeddings.
package memory

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

var ErrTxDone = errors.New("memory: transaction has already been committed or rolled back")

type deliveryKey struct {
	eventID uuid.UUID
	handler string
}

// Store holds all rows in memory. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	events     map[uuid.UUID]*outbox.Event
	eventOrder []uuid.UUID
	deliveries map[uuid.UUID]*outbox.Delivery
	delivOrder []uuid.UUID
	delivByKey map[deliveryKey]uuid.UUID
	notifs     map[uuid.UUID]*notification.Notification
	notifOrder []uuid.UUID
	liveNotifs map[notification.Key]uuid.UUID
	// stagedNotifs reserves keys inserted by transactions not yet finished.
	stagedNotifs map[notification.Key]staged
	commands     map[uuid.UUID]*command.Envelope
	cmdOrder     []uuid.UUID
	executions   []command.LogEntry
}

func New() *Store {
	return &Store{
		events:       make(map[uuid.UUID]*outbox.Event),
		deliveries:   make(map[uuid.UUID]*outbox.Delivery),
		delivByKey:   make(map[deliveryKey]uuid.UUID),
		notifs:       make(map[uuid.UUID]*notification.Notification),
		liveNotifs:   make(map[notification.Key]uuid.UUID),
		stagedNotifs: make(map[notification.Key]staged),
		commands:     make(map[uuid.UUID]*command.Envelope),
	}
}

type staged struct {
	tx *Tx
	id uuid.UUID
}

// Tx stages inserts until Commit.
type Tx struct {
	store    *Store
	mu       sync.Mutex
	done     bool
	finished chan struct{}
	events   []*outbox.Event
	notifs   []*notification.Notification
	cmds     []*command.Envelope
}

// Begin opens a transaction.
func (s *Store) Begin() *Tx {
	return &Tx{store: s, finished: make(chan struct{})}
}

// Commit publishes staged rows and releases the notification keys this
// transaction reserved.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}

	tx.done = true
	defer close(tx.finished)

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	defer s.releaseStagedLocked(tx)

	for _, e := range tx.events {
		if _, exists := s.events[e.ID]; exists {
			continue
		}

		s.events[e.ID] = e
		s.eventOrder = append(s.eventOrder, e.ID)
	}

	for _, n := range tx.notifs {
		if _, taken := s.liveNotifs[n.Key()]; taken {
			continue
		}

		s.notifs[n.ID] = n
		s.notifOrder = append(s.notifOrder, n.ID)
		s.liveNotifs[n.Key()] = n.ID
	}

	for _, c := range tx.cmds {
		s.commands[c.ID] = c
		s.cmdOrder = append(s.cmdOrder, c.ID)
	}

	return nil
}

func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}

	tx.done = true
	tx.events, tx.notifs, tx.cmds = nil, nil, nil

	tx.store.mu.Lock()
	tx.store.releaseStagedLocked(tx)
	tx.store.mu.Unlock()

	close(tx.finished)

	return nil
}

func (s *Store) releaseStagedLocked(tx *Tx) {
	for key, st := range s.stagedNotifs {
		if st.tx == tx {
			delete(s.stagedNotifs, key)
		}
	}
}

// WithinTx runs fn in a transaction, committing on success and rolling back
// on error or panic.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	tx := s.Begin()

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTxDone) {
			return errors.Join(err, rbErr)
		}

		return err
	}

	return tx.Commit()
}

func (tx *Tx) open() error {
	if tx == nil {
		return ErrTxDone
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}

	return nil
}

func (s *Store) InsertEvent(_ context.Context, tx *Tx, event *outbox.Event) error {
	if err := tx.open(); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.events = append(tx.events, cloneEvent(event))

	return nil
}

// InsertNotification stages n unless its key is owned by a live row or by
// another open transaction. Like a unique index, a key staged elsewhere makes
// the caller wait until that transaction commits (the existing id is
// returned) or rolls back (n is staged).
func (s *Store) InsertNotification(ctx context.Context, tx *Tx, n *notification.Notification) (uuid.UUID, bool, error) {
	if err := tx.open(); err != nil {
		return uuid.Nil, false, err
	}

	key := n.Key()

	for {
		s.mu.Lock()

		if existing, taken := s.liveNotifs[key]; taken {
			s.mu.Unlock()
			return existing, false, nil
		}

		st, reserved := s.stagedNotifs[key]
		if !reserved {
			s.stagedNotifs[key] = staged{tx: tx, id: n.ID}
			s.mu.Unlock()

			break
		}

		s.mu.Unlock()

		if st.tx == tx {
			return st.id, false, nil
		}

		select {
		case <-st.tx.finished:
		case <-ctx.Done():
			return uuid.Nil, false, ctx.Err()
		}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.notifs = append(tx.notifs, cloneNotification(n))

	return n.ID, true, nil
}

func (s *Store) InsertCommand(_ context.Context, tx *Tx, env *command.Envelope) error {
	if err := tx.open(); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.cmds = append(tx.cmds, cloneEnvelope(env))

	return nil
}

// claimOrder sorts candidates by COALESCE(next_attempt_at, created_at), then
// created_at. The sort is stable so insertion order breaks remaining ties.
func claimOrder[T workitem.Record](rows []T) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].WorkItem(), rows[j].WorkItem()

		ak, bk := a.CreatedAt, b.CreatedAt
		if a.NextAttemptAt != nil {
			ak = *a.NextAttemptAt
		}

		if b.NextAttemptAt != nil {
			bk = *b.NextAttemptAt
		}

		if !ak.Equal(bk) {
			return ak.Before(bk)
		}

		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func claimDue[T workitem.Record](order []uuid.UUID, rows map[uuid.UUID]T, clone func(T) T, owner string, now time.Time, lease time.Duration, limit int) []T {
	var due []T

	for _, id := range order {
		if r := rows[id]; r.WorkItem().Due(now) {
			due = append(due, r)
		}
	}

	claimOrder(due)

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]T, 0, len(due))

	for _, r := range due {
		r.WorkItem().Claim(owner, now, lease)
		out = append(out, clone(r))
	}

	return out
}

// renewLease extends the claim on row id for owner. The claim may already be
// past its expiry; it still counts as held until a release takes it.
func renewLease[T workitem.Record](rows map[uuid.UUID]T, id uuid.UUID, owner string, now time.Time, lease time.Duration) error {
	row, ok := rows[id]
	if !ok {
		return workitem.ErrNotFound
	}

	item := row.WorkItem()
	if err := held(item, owner); err != nil {
		return err
	}

	expires := now.Add(lease)
	item.LeaseExpiresAt = &expires
	item.UpdatedAt = now

	return nil
}

func held(item *workitem.Item, owner string) error {
	if item.State != workitem.StateProcessing || item.LeaseOwner != owner {
		return workitem.ErrLeaseLost
	}

	return nil
}

func idLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
