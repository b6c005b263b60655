//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFanOutStore struct {
	calls    int
	limit    int
	resolved map[string][]string
	types    []string
	err      error
}

func (s *fakeFanOutStore) FanOut(_ context.Context, _ time.Time, limit int, resolve ResolveFunc) (FanOutResult, error) {
	s.calls++
	s.limit = limit

	if s.err != nil {
		return FanOutResult{}, s.err
	}

	res := FanOutResult{Events: len(s.types)}
	s.resolved = map[string][]string{}

	for _, typ := range s.types {
		names, err := resolve(typ)
		if err != nil {
			res.Rejected++
			continue
		}

		s.resolved[typ] = names
		res.Deliveries += len(names)
	}

	return res, nil
}

func TestDispatcherFanOutUsesRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register("a", "h1", noopHandler))
	require.NoError(t, reg.Register("a", "h2", noopHandler))

	store := &fakeFanOutStore{types: []string{"a", "orphan"}}

	d, err := NewDispatcher(store, reg, WithFanOutBatchSize(2))
	require.NoError(t, err)

	more, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, 2, store.limit)
	assert.Equal(t, []string{"h1", "h2"}, store.resolved["a"])

	res, err := d.FanOut(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deliveries)
	assert.Equal(t, 1, res.Rejected)
}

func TestDispatcherFanOutWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	d, err := NewDispatcher(&fakeFanOutStore{err: errors.New("conn reset")}, NewRegistry())
	require.NoError(t, err)

	_, err = d.FanOut(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fan out outbox events")
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, NewRegistry())
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewDispatcher(&fakeFanOutStore{}, nil)
	require.ErrorIs(t, err, ErrRegistryRequired)
}
