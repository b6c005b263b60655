package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// NotificationQueue is the workitem.Queue of notifications.
type NotificationQueue struct{ s *Store }

var _ workitem.Queue[*notification.Notification] = NotificationQueue{}

func (s *Store) Notifications() NotificationQueue { return NotificationQueue{s: s} }

func (q NotificationQueue) ReleaseExpired(ctx context.Context, policy workitem.RetryPolicy, now time.Time) (int, error) {
	return notificationTable.releaseExpired(ctx, q.s, policy, now, nil)
}

func (q NotificationQueue) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*notification.Notification, error) {
	return notificationTable.claimDue(ctx, q.s, owner, now, lease, limit)
}

func (q NotificationQueue) Renew(ctx context.Context, n *notification.Notification, owner string, now time.Time, lease time.Duration) error {
	return notificationTable.renew(ctx, q.s, n, owner, now, lease)
}

func (q NotificationQueue) Settle(ctx context.Context, n *notification.Notification, owner string, o workitem.Outcome) error {
	return notificationTable.settle(ctx, q.s, n, owner, o, nil)
}

// Notification loads a notification by id, including soft-deleted rows.
func (s *Store) Notification(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	db, err := s.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	return notificationTable.byID(ctx, db, id)
}

// SoftDeleteNotification hides the row from claims and frees its
// deduplication key.
func (s *Store) SoftDeleteNotification(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := withTx(ctx, s, func(tx *sql.Tx) (struct{}, error) {
		res, err := tx.ExecContext(ctx,
			"UPDATE notifications SET is_deleted = TRUE, updated_at = $1 WHERE id = $2 AND is_deleted = FALSE", now, id)
		if err != nil {
			return struct{}{}, fmt.Errorf("soft delete notification: %w", err)
		}

		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return struct{}{}, workitem.ErrNotFound
		}

		return struct{}{}, nil
	})

	return err
}
