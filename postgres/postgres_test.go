//go:build unit

package postgres

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Config(t *testing.T) {
	_, err := New(Config{PrimaryDSN: "  "})
	require.ErrorIs(t, err, ErrPrimaryDSNRequired)

	c, err := New(Config{PrimaryDSN: "postgres://app:secret@db:5432/app"})
	require.NoError(t, err)
	assert.Equal(t, c.cfg.PrimaryDSN, c.cfg.ReplicaDSN)
	assert.Equal(t, defaultMaxOpenConns, c.cfg.MaxOpenConnections)
	assert.Equal(t, defaultMaxIdleConns, c.cfg.MaxIdleConnections)
	assert.False(t, c.IsConnected())

	_, err = c.Primary()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestNilClient(t *testing.T) {
	var c *Client

	_, err := c.Primary()
	require.ErrorIs(t, err, ErrClientRequired)
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())

	_, err = NewStore(nil)
	require.ErrorIs(t, err, ErrClientRequired)
}

func TestSanitizeSensitiveError(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "dial postgres://app:secret@db:5432/app failed", want: "dial postgres://***@db:5432/app failed"},
		{in: "host=db password=hunter2 sslmode=disable", want: "host=db password=*** sslmode=disable"},
		{in: "connection refused", want: "connection refused"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeSensitiveError(errors.New(tt.in)))
	}

	assert.Empty(t, sanitizeSensitiveError(nil))
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)

	var up, down int

	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}

	assert.Positive(t, up)
	assert.Equal(t, up, down)

	schema, err := fs.ReadFile(migrationFS, "migrations/000001_create_work_items.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(schema), "uq_notifications_live_key")
	assert.Contains(t, string(schema), "WHERE is_deleted = FALSE")
	assert.Contains(t, string(schema), "UNIQUE (event_id, handler_name)")
}

func TestItemColumns(t *testing.T) {
	assert.Equal(t,
		"d.id, e.correlation_id, e.payload, d.status, d.attempts, d.next_attempt_at, d.last_error, d.lease_owner, "+
			"d.lease_expires_at, d.is_deleted, d.created_at, d.updated_at",
		itemColumns("d", "e"))

	// every table scans twelve shared columns plus its own
	for _, cols := range []string{eventTable.columns, deliveryTable.columns, notificationTable.columns, envelopeTable.columns} {
		assert.GreaterOrEqual(t, strings.Count(cols, ",")+1, 13)
	}
}
