package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	cur, adv, err := s.AdvanceDelivered(ctx, 1, 7, 10)
	require.NoError(t, err)
	assert.True(t, adv)
	assert.Equal(t, int64(10), cur)

	cur, adv, err = s.AdvanceDelivered(ctx, 1, 7, 4)
	require.NoError(t, err)
	assert.False(t, adv, "lower id is a no-op")
	assert.Equal(t, int64(10), cur)

	cur, adv, err = s.AdvanceDelivered(ctx, 1, 7, 10)
	require.NoError(t, err)
	assert.False(t, adv, "equal id is a no-op")
	assert.Equal(t, int64(10), cur)

	cur, adv, err = s.AdvanceDelivered(ctx, 1, 7, 11)
	require.NoError(t, err)
	assert.True(t, adv)
	assert.Equal(t, int64(11), cur)

	m, err := s.Get(ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, Mark{ThreadID: 1, UserID: 7, MessageID: 11, UpdatedAt: fixed}, m)
}

func TestMemoryStoreKeysByThreadAndUser(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.AdvanceDelivered(ctx, 1, 7, 10)
	require.NoError(t, err)

	_, err = s.Get(ctx, 1, 8)
	require.True(t, IsNotFound(err))
	_, err = s.Get(ctx, 2, 7)
	require.True(t, IsNotFound(err))
}

func TestMemoryStoreRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	for _, tc := range []struct{ thread, user, msg int64 }{
		{0, 1, 1},
		{1, -1, 1},
		{1, 1, 0},
	} {
		_, _, err := s.AdvanceDelivered(ctx, tc.thread, tc.user, tc.msg)
		require.Error(t, err)
		assert.True(t, IsInvalidInput(err), "%+v", tc)

		var op OpError
		require.ErrorAs(t, err, &op)
		assert.Equal(t, "delivery.MemoryStore.AdvanceDelivered", op.Op)
	}

	_, err := s.Get(ctx, 0, 1)
	assert.True(t, IsInvalidInput(err))
}

func TestMemoryStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.AdvanceDelivered(ctx, 1, 1, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreConcurrentAdvanceKeepsMax(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := int64(1); i <= 200; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _, _ = s.AdvanceDelivered(ctx, 3, 3, id)
		}(i)
	}
	wg.Wait()

	m, err := s.Get(ctx, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(200), m.MessageID)
}
