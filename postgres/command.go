package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

var _ command.Store = (*Store)(nil)

// ReleaseExpiredCommands releases lapsed envelope claims and journals a
// LEASE_EXPIRED entry for each, in the same transaction.
func (s *Store) ReleaseExpiredCommands(ctx context.Context, policy workitem.RetryPolicy, now time.Time, journal command.Journal) (int, error) {
	return envelopeTable.releaseExpired(ctx, s, policy, now, func(tx *sql.Tx, env *command.Envelope, o workitem.Outcome) error {
		if journal == nil {
			return nil
		}

		return insertLogEntry(ctx, tx, journal(env, command.ActionLeaseExpired, o))
	})
}

func (s *Store) ClaimDueCommands(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*command.Envelope, error) {
	return envelopeTable.claimDue(ctx, s, owner, now, lease, limit)
}

func (s *Store) RenewCommand(ctx context.Context, env *command.Envelope, owner string, now time.Time, lease time.Duration) error {
	return envelopeTable.renew(ctx, s, env, owner, now, lease)
}

// SettleCommand writes the envelope outcome and its log entry atomically.
func (s *Store) SettleCommand(ctx context.Context, env *command.Envelope, owner string, o workitem.Outcome, entry command.LogEntry) error {
	return envelopeTable.settle(ctx, s, env, owner, o, func(tx *sql.Tx) error {
		return insertLogEntry(ctx, tx, entry)
	})
}

func insertLogEntry(ctx context.Context, tx *sql.Tx, e command.LogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO command_execution_log (id, envelope_id, action, attempt, status, error, handler_type, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EnvelopeID, string(e.Action), e.Attempt, string(e.Status), nullString(e.Error), e.HandlerType, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert command log entry: %w", err)
	}

	return nil
}

// Envelope loads an envelope by id.
func (s *Store) Envelope(ctx context.Context, id uuid.UUID) (*command.Envelope, error) {
	db, err := s.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	return envelopeTable.byID(ctx, db, id)
}

// ExecutionLog returns the envelope's log entries in append order.
func (s *Store) ExecutionLog(ctx context.Context, envelopeID uuid.UUID) ([]command.LogEntry, error) {
	db, err := s.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT id, envelope_id, action, attempt, status, error, handler_type, created_at
FROM command_execution_log WHERE envelope_id = $1 ORDER BY seq`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("query command log: %w", err)
	}

	defer rows.Close()

	var out []command.LogEntry

	for rows.Next() {
		var (
			e              command.LogEntry
			action, status string
			errText        sql.NullString
		)

		if err := rows.Scan(&e.ID, &e.EnvelopeID, &action, &e.Attempt, &status, &errText, &e.HandlerType, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan command log entry: %w", err)
		}

		e.Action = command.Action(action)
		e.Status = command.EntryStatus(status)
		e.Error = errText.String
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command log: %w", err)
	}

	return out, nil
}
