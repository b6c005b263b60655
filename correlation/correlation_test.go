//go:build unit

package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrecedence(t *testing.T) {
	t.Parallel()

	ctx := WithID(context.Background(), "from-ctx")

	assert.Equal(t, "explicit", Resolve(ctx, " explicit "))
	assert.Equal(t, "from-ctx", Resolve(ctx, ""))

	generated := Resolve(context.Background(), "")
	_, err := ulid.ParseStrict(generated)
	require.NoError(t, err)
}

func TestWithIDIgnoresBlank(t *testing.T) {
	t.Parallel()

	ctx := WithID(context.Background(), "  ")
	assert.Empty(t, FromContext(ctx))
	assert.Empty(t, FromContext(nil)) //nolint:staticcheck
}

func TestWorkerIDIsUnique(t *testing.T) {
	t.Parallel()

	a, b := WorkerID(), WorkerID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(a, "-"))
}
