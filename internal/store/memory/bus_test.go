package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

func TestBusStreamReadsAfterID(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, "s", []byte(p)))
	}

	msgs, err := b.StreamRead(ctx, "s", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.Equal(t, "b", string(msgs[1].Payload))

	msgs, err = b.StreamRead(ctx, "s", msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))

	msgs, err = b.StreamRead(ctx, "s", "3-0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = b.StreamRead(ctx, "s", "bogus", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBusSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus()
	ch, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "events", []byte("hello")))
	select {
	case got := <-ch:
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	assert.Len(t, b.Published("events"), 1)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	l := NewLocks()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	unlock, err := l.Acquire(ctx, "m1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "m1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := l.Acquire(ctx, "m2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.Acquire(ctx, "m1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = l.Acquire(ctx, "m1", time.Minute)
	require.NoError(t, err, "expired lock is reclaimed")
	again()
	_, err = l.Acquire(ctx, "m1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld, "stale unlock does not release the new holder")
}
