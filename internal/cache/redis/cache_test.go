package redis

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

func TestPriceCacheRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	pc := NewPriceCache(c)
	ctx := context.Background()

	_, err := pc.GetPrice(ctx, domain.AssetBTC)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	at := time.Unix(1700000000, 123)
	p := domain.PricePoint{Asset: domain.AssetBTC, Price: decimal.RequireFromString("64123.45678901"), At: at, Source: "pyth"}
	require.NoError(t, pc.SetPrice(ctx, p))

	got, err := pc.GetPrice(ctx, domain.AssetBTC)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(got.Price))
	assert.True(t, at.Equal(got.At))
	assert.Equal(t, "pyth", got.Source)
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "scheduler", time.Second)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "scheduler", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, lm.Extend(ctx, "scheduler", time.Minute))
	assert.Greater(t, mr.TTL("lock:scheduler"), 30*time.Second)

	unlock()
	unlock()
	assert.Error(t, lm.Extend(ctx, "scheduler", time.Minute))

	_, err = lm.Acquire(ctx, "scheduler", time.Second)
	assert.NoError(t, err)
}

func TestRateLimiter(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "rpc", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "rpc", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalBusStream(t *testing.T) {
	c, _ := newTestClient(t)
	sb := NewSignalBus(c, 0)
	ctx := context.Background()

	require.NoError(t, sb.StreamAppend(ctx, "events", []byte(`{"a":1}`)))
	require.NoError(t, sb.Publish(ctx, "events", []byte(`{"a":1}`)))
	msgs, err := sb.StreamRead(ctx, "events", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"a":1}`, string(msgs[0].Payload))
}

func TestSignalBusReadEmptyStreamReturnsImmediately(t *testing.T) {
	c, _ := newTestClient(t)
	sb := NewSignalBus(c, 0)

	msgs, err := sb.StreamRead(context.Background(), "nothing-here", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConnectionFailureIsTransient(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}
