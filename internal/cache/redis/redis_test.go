package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(context.Background()))
	return c, mr
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "settlement:market:m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("tokenledger:lock:settlement:market:m1"))

	_, err = lm.Acquire(ctx, "settlement:market:m1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	_, err = lm.Acquire(ctx, "settlement:market:m2", time.Minute)
	assert.NoError(t, err, "locks are per key")

	unlock()
	unlock()
	assert.False(t, mr.Exists("tokenledger:lock:settlement:market:m1"))
}

func TestLockManager_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	stale, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = lm.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("tokenledger:lock:k"), "token check keeps the new holder's lock")
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "admin", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
		now = now.Add(time.Millisecond)
	}
	ok, err := rl.Allow(ctx, "admin", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, err = rl.Allow(ctx, "admin", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "old requests leave the window")
}

type countingSource struct {
	market domain.Market
	calls  int
}

func (s *countingSource) GetMarket(_ context.Context, id string) (domain.Market, error) {
	s.calls++
	if id != s.market.ID {
		return domain.Market{}, domain.ErrNotFound
	}
	return s.market, nil
}

func TestCachedMarkets(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	src := &countingSource{market: domain.Market{
		ID:      "m1",
		Title:   "Rain?",
		Status:  domain.MarketStatusClosed,
		Options: []domain.MarketOption{{ID: "yes", TotalTokens: 10}, {ID: "no", TotalTokens: 5}},
	}}
	cm := NewCachedMarkets(NewMarketCache(c, 0), src)

	m, err := cm.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), m.TotalTokens())
	assert.Equal(t, DefaultMarketTTL, mr.TTL("tokenledger:market:m1"))

	_, err = cm.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second read is served from cache")

	require.NoError(t, cm.Forget(ctx, "m1"))
	_, err = cm.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	_, err = cm.GetMarket(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketCache_Miss(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := NewMarketCache(c, time.Second).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBus_Streams(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c, 0)
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, "settlement.requests", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, "settlement.requests", []byte(`{"id":"r1"}`)))
	require.NoError(t, bus.StreamAppend(ctx, "settlement.requests", []byte(`{"id":"r2"}`)))

	msgs, err = bus.StreamRead(ctx, "settlement.requests", "0", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"id":"r1"}`, string(msgs[0].Payload))

	msgs, err = bus.StreamRead(ctx, "settlement.requests", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"id":"r2"}`, string(msgs[0].Payload))
}

func TestSignalBus_PubSub(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "settlement.*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "settlement.events", []byte("hello")))

	select {
	case got := <-ch:
		assert.Equal(t, "hello", string(got))
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("settlement.*"))
	assert.True(t, hasPattern("m?"))
	assert.False(t, hasPattern("settlement.events"))
}
