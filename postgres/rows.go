package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// itemRow receives the columns every work item table shares, in the order
// produced by itemColumns.
type itemRow struct {
	id             uuid.UUID
	correlationID  string
	payload        []byte
	status         string
	attempts       int
	nextAttemptAt  sql.NullTime
	lastError      sql.NullString
	leaseOwner     sql.NullString
	leaseExpiresAt sql.NullTime
	deleted        bool
	createdAt      time.Time
	updatedAt      time.Time
}

func (r *itemRow) targets(extra ...any) []any {
	return append([]any{
		&r.id, &r.correlationID, &r.payload, &r.status, &r.attempts, &r.nextAttemptAt,
		&r.lastError, &r.leaseOwner, &r.leaseExpiresAt, &r.deleted, &r.createdAt, &r.updatedAt,
	}, extra...)
}

func (r *itemRow) item(codec workitem.Codec) (workitem.Item, error) {
	state, err := codec.Decode(r.status)
	if err != nil {
		return workitem.Item{}, fmt.Errorf("row %s: %w", r.id, err)
	}

	return workitem.Item{
		ID:             r.id,
		CorrelationID:  r.correlationID,
		Payload:        r.payload,
		State:          state,
		Attempts:       r.attempts,
		NextAttemptAt:  nullTime(r.nextAttemptAt),
		LastError:      r.lastError.String,
		LeaseOwner:     r.leaseOwner.String,
		LeaseExpiresAt: nullTime(r.leaseExpiresAt),
		CreatedAt:      r.createdAt,
		UpdatedAt:      r.updatedAt,
		Deleted:        r.deleted,
	}, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time

	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// itemColumns selects the shared columns of alias a. Payload and correlation
// id are read from src, which differs from a only for deliveries.
func itemColumns(a, src string) string {
	return fmt.Sprintf("%[1]s.id, %[2]s.correlation_id, %[2]s.payload, %[1]s.status, %[1]s.attempts, %[1]s.next_attempt_at, "+
		"%[1]s.last_error, %[1]s.lease_owner, %[1]s.lease_expires_at, %[1]s.is_deleted, %[1]s.created_at, %[1]s.updated_at", a, src)
}

// table describes how one flavor is stored.
type table[T workitem.Record] struct {
	name  string
	alias string
	// source is the FROM clause for reads; it may join other tables.
	source  string
	columns string
	codec   workitem.Codec
	// doneColumn is stamped with the settle time on success.
	doneColumn string
	scan       func(rowScanner) (T, error)
}

var eventTable = table[*outbox.Event]{
	name:    "outbox_events",
	alias:   "e",
	source:  "outbox_events e",
	columns: itemColumns("e", "e") + ", e.event_type, e.fanned_out_at",
	codec:   outbox.EventCodec,
	scan: func(sc rowScanner) (*outbox.Event, error) {
		var (
			r        itemRow
			ev       outbox.Event
			fannedAt sql.NullTime
		)

		if err := sc.Scan(r.targets(&ev.EventType, &fannedAt)...); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}

		item, err := r.item(outbox.EventCodec)
		if err != nil {
			return nil, err
		}

		ev.Item = item
		ev.FannedOutAt = nullTime(fannedAt)

		return &ev, nil
	},
}

var deliveryTable = table[*outbox.Delivery]{
	name:    "outbox_deliveries",
	alias:   "d",
	source:  "outbox_deliveries d JOIN outbox_events e ON e.id = d.event_id",
	columns: itemColumns("d", "e") + ", d.event_id, d.handler_name, e.event_type",
	codec:   outbox.DeliveryCodec,
	scan: func(sc rowScanner) (*outbox.Delivery, error) {
		var (
			r itemRow
			d outbox.Delivery
		)

		if err := sc.Scan(r.targets(&d.EventID, &d.HandlerName, &d.EventType)...); err != nil {
			return nil, fmt.Errorf("scan outbox delivery: %w", err)
		}

		item, err := r.item(outbox.DeliveryCodec)
		if err != nil {
			return nil, err
		}

		d.Item = item

		return &d, nil
	},
}

var notificationTable = table[*notification.Notification]{
	name:       "notifications",
	alias:      "n",
	source:     "notifications n",
	columns:    itemColumns("n", "n") + ", n.channel, n.type, n.recipient, n.sent_at",
	codec:      notification.Codec,
	doneColumn: "sent_at",
	scan: func(sc rowScanner) (*notification.Notification, error) {
		var (
			r       itemRow
			n       notification.Notification
			channel string
			sentAt  sql.NullTime
		)

		if err := sc.Scan(r.targets(&channel, &n.Type, &n.Recipient, &sentAt)...); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}

		item, err := r.item(notification.Codec)
		if err != nil {
			return nil, err
		}

		n.Item = item
		n.Channel = notification.Channel(channel)
		n.SentAt = nullTime(sentAt)

		return &n, nil
	},
}

var envelopeTable = table[*command.Envelope]{
	name:       "command_envelopes",
	alias:      "c",
	source:     "command_envelopes c",
	columns:    itemColumns("c", "c") + ", c.command_type, c.completed_at",
	codec:      command.Codec,
	doneColumn: "completed_at",
	scan: func(sc rowScanner) (*command.Envelope, error) {
		var (
			r           itemRow
			env         command.Envelope
			completedAt sql.NullTime
		)

		if err := sc.Scan(r.targets(&env.CommandType, &completedAt)...); err != nil {
			return nil, fmt.Errorf("scan command envelope: %w", err)
		}

		item, err := r.item(command.Codec)
		if err != nil {
			return nil, err
		}

		env.Item = item
		env.CompletedAt = nullTime(completedAt)

		return &env, nil
	},
}

func (t table[T]) query(ctx context.Context, q queryer, where string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+t.columns+" FROM "+t.source+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}

	defer rows.Close()

	var out []T

	for rows.Next() {
		v, err := t.scan(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", t.name, err)
	}

	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// byID loads one row, including soft-deleted ones.
func (t table[T]) byID(ctx context.Context, q queryer, id uuid.UUID) (T, error) {
	var zero T

	rows, err := t.query(ctx, q, "WHERE "+t.alias+".id = $1", id)
	if err != nil {
		return zero, err
	}

	if len(rows) == 0 {
		return zero, workitem.ErrNotFound
	}

	return rows[0], nil
}

// claim moves up to limit due rows to Processing for owner and returns them
// in due order.
func (t table[T]) claim(ctx context.Context, tx *sql.Tx, owner string, now time.Time, lease time.Duration, limit int) ([]T, error) {
	a := t.alias

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
WITH due AS (
	SELECT %[1]s.id FROM %[2]s
	WHERE %[1]s.status = $1 AND %[1]s.is_deleted = FALSE
	  AND (%[1]s.next_attempt_at IS NULL OR %[1]s.next_attempt_at <= $2)
	ORDER BY COALESCE(%[1]s.next_attempt_at, %[1]s.created_at), %[1]s.created_at
	LIMIT $3
	FOR UPDATE OF %[1]s SKIP LOCKED
)
UPDATE %[3]s AS w
SET status = $4, attempts = w.attempts + 1, lease_owner = $5, lease_expires_at = $6, updated_at = $2
FROM due
WHERE w.id = due.id
RETURNING w.id`, a, t.source, t.name),
		t.codec.Pending, now, limit, t.codec.Processing, owner, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", t.name, err)
	}

	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", t.name, err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	return t.query(ctx, tx, fmt.Sprintf(
		"WHERE %[1]s.id = ANY($1::uuid[]) ORDER BY COALESCE(%[1]s.next_attempt_at, %[1]s.created_at), %[1]s.created_at", a), ids)
}

func collectIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// expired locks the Processing rows whose lease lapsed at now.
func (t table[T]) expired(ctx context.Context, tx *sql.Tx, now time.Time) ([]T, error) {
	return t.query(ctx, tx, fmt.Sprintf(
		"WHERE %[1]s.status = $1 AND %[1]s.lease_expires_at <= $2 ORDER BY %[1]s.lease_expires_at FOR UPDATE OF %[1]s SKIP LOCKED",
		t.alias), t.codec.Processing, now)
}

// write persists outcome o for item, provided item is still Processing under
// owner. It returns workitem.ErrLeaseLost otherwise.
func (t table[T]) write(ctx context.Context, tx *sql.Tx, item *workitem.Item, owner string, o workitem.Outcome) error {
	next := item.NextAttemptAt
	if o.State == workitem.StatePending {
		next = o.NextAttemptAt
	}

	set := "status = $1, next_attempt_at = $2, last_error = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = $4"
	if t.doneColumn != "" && o.State == workitem.StateSucceeded {
		set += ", " + t.doneColumn + " = $4"
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE "+t.name+" SET "+set+" WHERE id = $5 AND status = $6 AND lease_owner = $7",
		t.codec.Encode(o.State), next, nullString(o.LastError), o.At, item.ID, t.codec.Processing, owner)
	if err != nil {
		return fmt.Errorf("settle %s: %w", t.name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle %s: rows affected: %w", t.name, err)
	}

	if n == 0 {
		return workitem.ErrLeaseLost
	}

	return nil
}

// releaseExpired applies policy.Expire to every lapsed claim. after runs in
// the same transaction once a row's outcome is written.
func (t table[T]) releaseExpired(
	ctx context.Context,
	s *Store,
	policy workitem.RetryPolicy,
	now time.Time,
	after func(tx *sql.Tx, row T, o workitem.Outcome) error,
) (int, error) {
	return withTx(ctx, s, func(tx *sql.Tx) (int, error) {
		rows, err := t.expired(ctx, tx, now)
		if err != nil {
			return 0, err
		}

		for _, row := range rows {
			item := row.WorkItem()
			o := policy.Expire(item, now)

			if err := t.write(ctx, tx, item, item.LeaseOwner, o); err != nil {
				return 0, err
			}

			if after != nil {
				if err := after(tx, row, o); err != nil {
					return 0, err
				}
			}
		}

		return len(rows), nil
	})
}

func (t table[T]) claimDue(ctx context.Context, s *Store, owner string, now time.Time, lease time.Duration, limit int) ([]T, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	return withTx(ctx, s, func(tx *sql.Tx) ([]T, error) {
		return t.claim(ctx, tx, owner, now, lease, limit)
	})
}

// renew extends the lease of row for owner. A lapsed lease that no release
// has taken yet is still held, so it can be renewed.
func (t table[T]) renew(ctx context.Context, s *Store, row T, owner string, now time.Time, lease time.Duration) error {
	_, err := withTx(ctx, s, func(tx *sql.Tx) (struct{}, error) {
		res, err := tx.ExecContext(ctx,
			"UPDATE "+t.name+" SET lease_expires_at = $1, updated_at = $2 WHERE id = $3 AND status = $4 AND lease_owner = $5",
			now.Add(lease), now, row.WorkItem().ID, t.codec.Processing, owner)
		if err != nil {
			return struct{}{}, fmt.Errorf("renew %s lease: %w", t.name, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return struct{}{}, fmt.Errorf("renew %s lease: rows affected: %w", t.name, err)
		}

		if n == 0 {
			return struct{}{}, workitem.ErrLeaseLost
		}

		return struct{}{}, nil
	})

	return err
}

func (t table[T]) settle(
	ctx context.Context,
	s *Store,
	row T,
	owner string,
	o workitem.Outcome,
	after func(tx *sql.Tx) error,
) error {
	_, err := withTx(ctx, s, func(tx *sql.Tx) (struct{}, error) {
		if err := t.write(ctx, tx, row.WorkItem(), owner, o); err != nil {
			return struct{}{}, err
		}

		if after != nil {
			return struct{}{}, after(tx)
		}

		return struct{}{}, nil
	})

	return err
}
