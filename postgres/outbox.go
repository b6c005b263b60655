package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

var _ outbox.FanOutStore = (*Store)(nil)

// FanOut locks up to limit new events, inserts one delivery per resolved
// handler, and marks each event fanned out, all in one transaction. The
// unique (event_id, handler_name) constraint absorbs duplicates.
func (s *Store) FanOut(ctx context.Context, now time.Time, limit int, resolve outbox.ResolveFunc) (outbox.FanOutResult, error) {
	if limit <= 0 {
		return outbox.FanOutResult{}, ErrLimitMustBePositive
	}

	return withTx(ctx, s, func(tx *sql.Tx) (outbox.FanOutResult, error) {
		var res outbox.FanOutResult

		events, err := eventTable.query(ctx, tx, `
WHERE e.status = $1 AND e.fanned_out_at IS NULL AND e.is_deleted = FALSE
  AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= $2)
ORDER BY COALESCE(e.next_attempt_at, e.created_at), e.created_at
LIMIT $3
FOR UPDATE OF e SKIP LOCKED`, string(outbox.EventPending), now, limit)
		if err != nil {
			return res, err
		}

		for _, e := range events {
			res.Events++

			names, err := outbox.ResolveHandlers(resolve, e.EventType)
			if err != nil {
				if _, err := tx.ExecContext(ctx, `
UPDATE outbox_events SET status = $1, last_error = $2, attempts = attempts + 1, updated_at = $3 WHERE id = $4`,
					string(outbox.EventFailed), nullString(workitem.SanitizeError(err)), now, e.ID); err != nil {
					return res, fmt.Errorf("reject outbox event: %w", err)
				}

				res.Rejected++

				continue
			}

			for _, name := range names {
				d := outbox.NewDelivery(e, name, now)

				r, err := tx.ExecContext(ctx, `
INSERT INTO outbox_deliveries (id, event_id, handler_name, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, $5, $5)
ON CONFLICT (event_id, handler_name) DO NOTHING`,
					d.ID, e.ID, name, string(outbox.DeliveryPending), now)
				if err != nil {
					return res, fmt.Errorf("insert outbox delivery: %w", err)
				}

				if n, _ := r.RowsAffected(); n > 0 {
					res.Deliveries += int(n)
				}
			}

			if _, err := tx.ExecContext(ctx, `
UPDATE outbox_events SET fanned_out_at = $1, attempts = attempts + 1, updated_at = $1 WHERE id = $2`, now, e.ID); err != nil {
				return res, fmt.Errorf("mark outbox event fanned out: %w", err)
			}
		}

		return res, nil
	})
}

// Event loads an event by id.
func (s *Store) Event(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	db, err := s.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	return eventTable.byID(ctx, db, id)
}

// DeliveriesOf lists the deliveries of an event in creation order.
func (s *Store) DeliveriesOf(ctx context.Context, eventID uuid.UUID) ([]*outbox.Delivery, error) {
	db, err := s.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	return deliveryTable.query(ctx, db, "WHERE d.event_id = $1 ORDER BY d.created_at, d.handler_name", eventID)
}

// settleEvent derives the event's state from its deliveries. The event row
// is locked first so concurrent delivery settles serialize on it.
func settleEvent(ctx context.Context, tx *sql.Tx, eventID uuid.UUID, now time.Time) error {
	var status string

	err := tx.QueryRowContext(ctx, "SELECT status FROM outbox_events WHERE id = $1 FOR UPDATE", eventID).Scan(&status)
	if err != nil {
		return fmt.Errorf("lock outbox event: %w", err)
	}

	if status != string(outbox.EventPending) {
		return nil
	}

	var st outbox.Settlement

	err = tx.QueryRowContext(ctx, `
SELECT count(*),
       count(*) FILTER (WHERE status NOT IN ($2, $3)),
       count(*) FILTER (WHERE status = $3)
FROM outbox_deliveries
WHERE event_id = $1 AND is_deleted = FALSE`,
		eventID, string(outbox.DeliveryDelivered), string(outbox.DeliveryFailed)).Scan(&st.Total, &st.Open, &st.Failed)
	if err != nil {
		return fmt.Errorf("count outbox deliveries: %w", err)
	}

	state, lastErr, ok := outbox.SettleEvent(st)
	if !ok {
		return nil
	}

	_, err = tx.ExecContext(ctx, "UPDATE outbox_events SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4",
		outbox.EventCodec.Encode(state), nullString(lastErr), now, eventID)
	if err != nil {
		return fmt.Errorf("settle outbox event: %w", err)
	}

	return nil
}

// DeliveryQueue is the workitem.Queue of outbox deliveries.
type DeliveryQueue struct{ s *Store }

var _ workitem.Queue[*outbox.Delivery] = DeliveryQueue{}

func (s *Store) Deliveries() DeliveryQueue { return DeliveryQueue{s: s} }

func (q DeliveryQueue) ReleaseExpired(ctx context.Context, policy workitem.RetryPolicy, now time.Time) (int, error) {
	return deliveryTable.releaseExpired(ctx, q.s, policy, now, func(tx *sql.Tx, d *outbox.Delivery, o workitem.Outcome) error {
		if !o.State.IsTerminal() {
			return nil
		}

		return settleEvent(ctx, tx, d.EventID, now)
	})
}

func (q DeliveryQueue) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*outbox.Delivery, error) {
	return deliveryTable.claimDue(ctx, q.s, owner, now, lease, limit)
}

func (q DeliveryQueue) Renew(ctx context.Context, d *outbox.Delivery, owner string, now time.Time, lease time.Duration) error {
	return deliveryTable.renew(ctx, q.s, d, owner, now, lease)
}

func (q DeliveryQueue) Settle(ctx context.Context, d *outbox.Delivery, owner string, o workitem.Outcome) error {
	return deliveryTable.settle(ctx, q.s, d, owner, o, func(tx *sql.Tx) error {
		if !o.State.IsTerminal() {
			return nil
		}

		return settleEvent(ctx, tx, d.EventID, o.At)
	})
}
