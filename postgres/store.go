package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/enqueue"
	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultTransactionTimeout = 30 * time.Second

var (
	ErrStoreRequired       = errors.New("postgres store is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
)

type Option func(*Store)

func WithLogger(l log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Store) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithTransactionTimeout bounds store-owned transactions whose context has
// no deadline.
func WithTransactionTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

// Store persists every work item flavor in PostgreSQL.
type Store struct {
	client    *Client
	logger    log.Logger
	tracer    trace.Tracer
	txTimeout time.Duration
}

var _ enqueue.Writer[*sql.Tx] = (*Store)(nil)

func NewStore(client *Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	s := &Store{
		client:    client,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("deferred.noop"),
		txTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// WithinTx runs fn in a primary transaction, committing when fn returns nil.
// Business code enqueues work items through the tx it receives.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	_, err := withTx(ctx, s, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})

	return err
}

func withTx[T any](ctx context.Context, s *Store, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	if s == nil || s.client == nil {
		return zero, ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	db, err := s.primaryDB(ctx)
	if err != nil {
		return zero, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}

	return result, nil
}

func (s *Store) primaryDB(ctx context.Context) (*sql.DB, error) {
	resolver, err := s.client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("get database connection: %w", err)
	}

	primaries := resolver.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNotConnected
	}

	return primaries[0], nil
}

func (s *Store) InsertEvent(ctx context.Context, tx *sql.Tx, e *outbox.Event) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO outbox_events (id, event_type, payload, correlation_id, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		e.ID, e.EventType, e.Payload, e.CorrelationID, string(outbox.EventPending), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	return nil
}

// InsertNotification inserts n unless a live row already owns its key, in
// which case the owner's id is returned with inserted=false.
func (s *Store) InsertNotification(ctx context.Context, tx *sql.Tx, n *notification.Notification) (uuid.UUID, bool, error) {
	if tx == nil {
		return uuid.Nil, false, ErrTransactionRequired
	}

	var id uuid.UUID

	err := tx.QueryRowContext(ctx, `
INSERT INTO notifications (id, channel, type, recipient, payload, correlation_id, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
ON CONFLICT (channel, type, correlation_id, recipient) WHERE is_deleted = FALSE DO NOTHING
RETURNING id`,
		n.ID, string(n.Channel), n.Type, n.Recipient, n.Payload, n.CorrelationID,
		string(notification.StatusPending), n.CreatedAt, n.UpdatedAt).Scan(&id)

	switch {
	case err == nil:
		return id, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return uuid.Nil, false, fmt.Errorf("insert notification: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
SELECT id FROM notifications
WHERE channel = $1 AND type = $2 AND correlation_id = $3 AND recipient = $4 AND is_deleted = FALSE`,
		string(n.Channel), n.Type, n.CorrelationID, n.Recipient).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("find existing notification: %w", err)
	}

	return id, false, nil
}

func (s *Store) InsertCommand(ctx context.Context, tx *sql.Tx, env *command.Envelope) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO command_envelopes (id, command_type, payload, correlation_id, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		env.ID, env.CommandType, env.Payload, env.CorrelationID, string(command.StatusPending), env.CreatedAt, env.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert command envelope: %w", err)
	}

	return nil
}
