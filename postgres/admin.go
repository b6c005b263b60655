package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

type kindTable struct {
	name  string
	codec workitem.Codec
}

var kindTables = map[workitem.Kind]kindTable{
	workitem.KindOutboxEvent:    {name: eventTable.name, codec: outbox.EventCodec},
	workitem.KindOutboxDelivery: {name: deliveryTable.name, codec: outbox.DeliveryCodec},
	workitem.KindNotification:   {name: notificationTable.name, codec: notification.Codec},
	workitem.KindCommand:        {name: envelopeTable.name, codec: command.Codec},
}

// Counts returns live item counts per kind and state. It reads from the
// replica, so recent writes may be missing.
func (s *Store) Counts(ctx context.Context) (workitem.Counts, error) {
	resolver, err := s.client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("get database connection: %w", err)
	}

	counts := workitem.Counts{}

	for _, kind := range workitem.Kinds() {
		kt := kindTables[kind]

		rows, err := resolver.QueryContext(ctx,
			"SELECT status, count(*) FROM "+kt.name+" WHERE is_deleted = FALSE GROUP BY status")
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", kt.name, err)
		}

		if err := tally(rows, kind, kt.codec, counts); err != nil {
			return nil, fmt.Errorf("count %s: %w", kt.name, err)
		}
	}

	return counts, nil
}

func tally(rows *sql.Rows, kind workitem.Kind, codec workitem.Codec, counts workitem.Counts) error {
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int64
		)

		if err := rows.Scan(&status, &n); err != nil {
			return err
		}

		state, err := codec.Decode(status)
		if err != nil {
			return err
		}

		counts.Add(kind, state, n)
	}

	return rows.Err()
}

// Requeue moves a Failed item back to Pending with a fresh attempt budget.
// Requeuing a delivery reopens its event; requeuing an event lets fan-out
// pick it up again.
func (s *Store) Requeue(ctx context.Context, kind workitem.Kind, id uuid.UUID, now time.Time) error {
	kt, ok := kindTables[kind]
	if !ok {
		return fmt.Errorf("requeue: unknown kind %q", kind)
	}

	_, err := withTx(ctx, s, func(tx *sql.Tx) (struct{}, error) {
		var (
			status  string
			deleted bool
		)

		err := tx.QueryRowContext(ctx, "SELECT status, is_deleted FROM "+kt.name+" WHERE id = $1 FOR UPDATE", id).Scan(&status, &deleted)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
			return struct{}{}, workitem.ErrNotFound
		}

		if err != nil {
			return struct{}{}, fmt.Errorf("requeue: load %s: %w", kt.name, err)
		}

		if status != kt.codec.Failed {
			return struct{}{}, workitem.ErrNotFailed
		}

		set := "status = $1, attempts = 0, last_error = NULL, next_attempt_at = NULL, lease_owner = NULL, lease_expires_at = NULL, updated_at = $2"
		if kind == workitem.KindOutboxEvent {
			set += ", fanned_out_at = NULL"
		}

		if _, err := tx.ExecContext(ctx, "UPDATE "+kt.name+" SET "+set+" WHERE id = $3", kt.codec.Pending, now, id); err != nil {
			return struct{}{}, fmt.Errorf("requeue %s: %w", kt.name, err)
		}

		if kind == workitem.KindOutboxDelivery {
			if _, err := tx.ExecContext(ctx, `
UPDATE outbox_events SET status = $1, last_error = NULL, updated_at = $2
WHERE id = (SELECT event_id FROM outbox_deliveries WHERE id = $3)`, string(outbox.EventPending), now, id); err != nil {
				return struct{}{}, fmt.Errorf("requeue: reopen outbox event: %w", err)
			}
		}

		return struct{}{}, nil
	})

	return err
}

// BackfillCandidates pages through live Pending or Failed notifications in id
// order, starting after the cursor.
func (s *Store) BackfillCandidates(ctx context.Context, after uuid.UUID, limit int) ([]*notification.Notification, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	db, err := s.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	return notificationTable.query(ctx, db,
		"WHERE n.is_deleted = FALSE AND n.status IN ($1, $2) AND n.id > $3 ORDER BY n.id LIMIT $4",
		notification.Codec.Pending, notification.Codec.Failed, after, limit)
}

// InsertEventsIfAbsent inserts events whose id is not taken yet and reports
// how many were inserted.
func (s *Store) InsertEventsIfAbsent(ctx context.Context, events []*outbox.Event) (int, error) {
	return withTx(ctx, s, func(tx *sql.Tx) (int, error) {
		inserted := 0

		for _, e := range events {
			res, err := tx.ExecContext(ctx, `
INSERT INTO outbox_events (id, event_type, payload, correlation_id, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
ON CONFLICT (id) DO NOTHING`,
				e.ID, e.EventType, e.Payload, e.CorrelationID, string(outbox.EventPending), e.CreatedAt, e.UpdatedAt)
			if err != nil {
				return 0, fmt.Errorf("insert backfill event: %w", err)
			}

			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}

		return inserted, nil
	})
}

// RecentFailures lists up to limit live Failed items across every kind,
// newest first. It reads from the replica.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]workitem.Failure, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	resolver, err := s.client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("get database connection: %w", err)
	}

	var out []workitem.Failure

	for _, kind := range workitem.Kinds() {
		kt := kindTables[kind]

		rows, err := resolver.QueryContext(ctx, `
SELECT id, attempts, COALESCE(last_error, ''), updated_at FROM `+kt.name+`
WHERE is_deleted = FALSE AND status = $1
ORDER BY updated_at DESC LIMIT $2`, kt.codec.Failed, limit)
		if err != nil {
			return nil, fmt.Errorf("list failed %s: %w", kt.name, err)
		}

		failures, err := scanFailures(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("list failed %s: %w", kt.name, err)
		}

		out = append(out, failures...)
	}

	workitem.SortFailures(out)

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func scanFailures(rows *sql.Rows, kind workitem.Kind) ([]workitem.Failure, error) {
	defer rows.Close()

	var out []workitem.Failure

	for rows.Next() {
		f := workitem.Failure{Kind: kind}
		if err := rows.Scan(&f.ID, &f.Attempts, &f.LastError, &f.UpdatedAt); err != nil {
			return nil, err
		}

		out = append(out, f)
	}

	return out, rows.Err()
}
