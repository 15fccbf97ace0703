package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/marketkeeper/internal/cache/redis"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/testutil"
)

func TestOrderExpiryRemovesFromBookAndStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	book := rediscache.NewOrderbook(rediscache.Wrap(rdb))
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Second), now.Add(time.Minute)
	mk := func(id string, exp *time.Time) domain.Order {
		return domain.Order{
			ID: id, MarketID: "m1", UserID: "u1", Side: domain.OrderSideBuy, Outcome: domain.OutcomeYes,
			PriceTicks: 500_000, Size: 1_000_000, Remaining: 1_000_000,
			Status: domain.OrderStatusOpen, ExpiresAt: exp, CreatedAt: now.Add(-time.Hour),
		}
	}
	orders := []domain.Order{mk("o1", &past), mk("o2", &future), mk("o3", nil)}
	for _, o := range orders {
		_, err := book.Insert(ctx, o)
		require.NoError(t, err)
	}
	// o4 expired in the store but never made it onto the book.
	store := testutil.NewOrderStore(append(orders, mk("o4", &past))...)
	seqBefore, err := book.Sequence(ctx, "m1")
	require.NoError(t, err)

	e := NewOrderExpiry(store, book, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return now }
	require.NoError(t, e.Run(ctx))

	assert.Equal(t, domain.OrderStatusExpired, store.Get("o1").Status)
	assert.Equal(t, domain.OrderStatusExpired, store.Get("o4").Status)
	assert.Equal(t, domain.OrderStatusOpen, store.Get("o2").Status)
	assert.Equal(t, domain.OrderStatusOpen, store.Get("o3").Status)

	queue, err := book.Queue(ctx, "m1", domain.OutcomeYes, domain.OrderSideBuy, 500_000)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o2", "o3"}, queue)
	seqAfter, err := book.Sequence(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, seqBefore+1, seqAfter)
}
