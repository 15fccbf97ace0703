package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

var (
	//go:embed scripts/book_common.lua
	bookCommonLua string
	//go:embed scripts/book_insert.lua
	bookInsertLua string
	//go:embed scripts/book_remove.lua
	bookRemoveLua string
	//go:embed scripts/book_resize.lua
	bookResizeLua string
	//go:embed scripts/book_clear.lua
	bookClearLua string
	//go:embed scripts/book_purge.lua
	bookPurgeLua string
	//go:embed scripts/book_read.lua
	bookReadLua string
)

// Orderbook implements domain.Orderbook on Redis sorted sets and hashes.
// All mutations run as Lua scripts so the book and the market's sequence
// counter change together.
//
// Key schema, with p = "ob:{marketID}" and book = p:{outcome}:{side}:
//
//	p:seq          - sequence counter, survives Clear
//	p:orders       - set of resting order ids
//	p:o:{id}       - order detail hash
//	p:exp          - zset of order id by expiry (unix ms)
//	book:px        - zset of price levels (score = price ticks)
//	book:q:{px}    - zset of order ids at a level (score = arrival seq)
//	book:sz        - hash of price -> aggregated remaining size
type Orderbook struct {
	rdb    *redis.Client
	insert *redis.Script
	remove *redis.Script
	resize *redis.Script
	clear  *redis.Script
	purge  *redis.Script
	read   *redis.Script
}

// NewOrderbook creates an Orderbook backed by the given Client.
func NewOrderbook(c *Client) *Orderbook {
	return &Orderbook{
		rdb:    c.rdb,
		insert: redis.NewScript(bookCommonLua + bookInsertLua),
		remove: redis.NewScript(bookCommonLua + bookRemoveLua),
		resize: redis.NewScript(bookCommonLua + bookResizeLua),
		clear:  redis.NewScript(bookCommonLua + bookClearLua),
		purge:  redis.NewScript(bookCommonLua + bookPurgeLua),
		read:   redis.NewScript(bookCommonLua + bookReadLua),
	}
}

func bookPrefix(marketID string) string { return "ob:{" + marketID + "}" }
func bookSeqKey(marketID string) string { return bookPrefix(marketID) + ":seq" }

func validateOrder(o domain.Order) error {
	switch {
	case o.ID == "" || o.MarketID == "":
		return fmt.Errorf("redis: order needs id and market: %w", domain.ErrInvalidMarket)
	case o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell:
		return fmt.Errorf("redis: order %s side %q: %w", o.ID, o.Side, domain.ErrInvalidMarket)
	case o.Outcome != domain.OutcomeYes && o.Outcome != domain.OutcomeNo:
		return fmt.Errorf("redis: order %s outcome %q: %w", o.ID, o.Outcome, domain.ErrInvalidMarket)
	case o.PriceTicks <= 0 || o.PriceTicks >= domain.ShareScale:
		return fmt.Errorf("redis: order %s price %d out of range: %w", o.ID, o.PriceTicks, domain.ErrInvalidMarket)
	case o.Remaining <= 0 || o.Remaining > o.Size:
		return fmt.Errorf("redis: order %s remaining %d of %d: %w", o.ID, o.Remaining, o.Size, domain.ErrInvalidMarket)
	}
	return nil
}

// Insert adds a resting order and returns the new sequence number.
func (ob *Orderbook) Insert(ctx context.Context, o domain.Order) (int64, error) {
	if err := validateOrder(o); err != nil {
		return 0, err
	}
	var exp int64
	if o.ExpiresAt != nil {
		exp = o.ExpiresAt.UnixMilli()
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	seq, err := ob.insert.Run(ctx, ob.rdb, []string{bookSeqKey(o.MarketID)},
		bookPrefix(o.MarketID), o.ID, string(o.Side), string(o.Outcome),
		o.PriceTicks, o.Size, o.Remaining, o.Owner, o.UserID, exp, created.UnixMilli(),
	).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "EXISTS") {
			return 0, fmt.Errorf("redis: insert order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
		return 0, wrapErr(fmt.Sprintf("insert order %s", o.ID), err)
	}
	bookMutations.WithLabelValues("insert").Inc()
	return seq, nil
}

// Remove deletes a resting order. It returns domain.ErrNotFound when the
// order is not on the book.
func (ob *Orderbook) Remove(ctx context.Context, o domain.Order) (int64, error) {
	seq, err := ob.remove.Run(ctx, ob.rdb, []string{bookSeqKey(o.MarketID)}, bookPrefix(o.MarketID), o.ID).Int64()
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("remove order %s", o.ID), err)
	}
	if seq < 0 {
		return 0, fmt.Errorf("redis: remove order %s: %w", o.ID, domain.ErrNotFound)
	}
	bookMutations.WithLabelValues("remove").Inc()
	return seq, nil
}

// Resize sets an order's remaining size. Remaining may only shrink; zero
// removes the order.
func (ob *Orderbook) Resize(ctx context.Context, o domain.Order, remaining int64) (int64, error) {
	if remaining < 0 {
		remaining = 0
	}
	seq, err := ob.resize.Run(ctx, ob.rdb, []string{bookSeqKey(o.MarketID)}, bookPrefix(o.MarketID), o.ID, remaining).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "GROW") {
			return 0, fmt.Errorf("redis: resize order %s to %d: remaining cannot grow: %w", o.ID, remaining, domain.ErrInvalidMarket)
		}
		return 0, wrapErr(fmt.Sprintf("resize order %s", o.ID), err)
	}
	if seq < 0 {
		return 0, fmt.Errorf("redis: resize order %s: %w", o.ID, domain.ErrNotFound)
	}
	bookMutations.WithLabelValues("resize").Inc()
	return seq, nil
}

// Clear removes every resting order of a market with its detail record
// and level entries. The sequence counter keeps counting.
func (ob *Orderbook) Clear(ctx context.Context, marketID string) error {
	if err := ob.clear.Run(ctx, ob.rdb, []string{bookSeqKey(marketID)}, bookPrefix(marketID)).Err(); err != nil {
		return wrapErr(fmt.Sprintf("clear book %s", marketID), err)
	}
	bookMutations.WithLabelValues("clear").Inc()
	return nil
}

// PurgeExpired removes orders whose expiry is at or before now and
// returns their ids.
func (ob *Orderbook) PurgeExpired(ctx context.Context, marketID string, now time.Time) ([]string, error) {
	ids, err := ob.purge.Run(ctx, ob.rdb, []string{bookSeqKey(marketID)}, bookPrefix(marketID), now.UnixMilli()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr(fmt.Sprintf("purge expired %s", marketID), err)
	}
	if len(ids) > 0 {
		bookMutations.WithLabelValues("expire").Add(float64(len(ids)))
	}
	return ids, nil
}

// Sequence returns the market's current sequence number.
func (ob *Orderbook) Sequence(ctx context.Context, marketID string) (int64, error) {
	seq, err := ob.rdb.Get(ctx, bookSeqKey(marketID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("sequence %s", marketID), err)
	}
	return seq, nil
}

// Queue returns the order ids resting at one price, oldest first.
func (ob *Orderbook) Queue(ctx context.Context, marketID string, outcome domain.Outcome, side domain.OrderSide, px int64) ([]string, error) {
	key := fmt.Sprintf("%s:%s:%s:q:%d", bookPrefix(marketID), outcome, side, px)
	ids, err := ob.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("queue %s", key), err)
	}
	return ids, nil
}

func (ob *Orderbook) readBook(ctx context.Context, marketID string, depth int, outcome domain.Outcome, side domain.OrderSide) (int64, []domain.PriceLevel, error) {
	raw, err := ob.read.Run(ctx, ob.rdb, []string{bookSeqKey(marketID)}, bookPrefix(marketID), depth, string(outcome), string(side)).Slice()
	if err != nil {
		return 0, nil, wrapErr(fmt.Sprintf("read book %s", marketID), err)
	}
	if len(raw) != 2 {
		return 0, nil, fmt.Errorf("redis: read book %s: unexpected reply length %d", marketID, len(raw))
	}
	seq, err := toInt64(raw[0])
	if err != nil {
		return 0, nil, err
	}
	levels, err := parseLevels(raw[1])
	return seq, levels, err
}

// Levels returns the aggregated levels of one side, best price first.
func (ob *Orderbook) Levels(ctx context.Context, marketID string, outcome domain.Outcome, side domain.OrderSide) ([]domain.PriceLevel, error) {
	_, levels, err := ob.readBook(ctx, marketID, 0, outcome, side)
	return levels, err
}

// BestBid returns the highest bid level of an outcome.
func (ob *Orderbook) BestBid(ctx context.Context, marketID string, outcome domain.Outcome) (domain.PriceLevel, bool, error) {
	return ob.best(ctx, marketID, outcome, domain.OrderSideBuy)
}

// BestAsk returns the lowest ask level of an outcome.
func (ob *Orderbook) BestAsk(ctx context.Context, marketID string, outcome domain.Outcome) (domain.PriceLevel, bool, error) {
	return ob.best(ctx, marketID, outcome, domain.OrderSideSell)
}

func (ob *Orderbook) best(ctx context.Context, marketID string, outcome domain.Outcome, side domain.OrderSide) (domain.PriceLevel, bool, error) {
	_, levels, err := ob.readBook(ctx, marketID, 1, outcome, side)
	if err != nil || len(levels) == 0 {
		return domain.PriceLevel{}, false, err
	}
	return levels[0], true, nil
}

// Snapshot reads all four books and the sequence in one script call.
func (ob *Orderbook) Snapshot(ctx context.Context, marketID string) (domain.OrderbookSnapshot, error) {
	raw, err := ob.read.Run(ctx, ob.rdb, []string{bookSeqKey(marketID)}, bookPrefix(marketID), 0).Slice()
	if err != nil {
		return domain.OrderbookSnapshot{}, wrapErr(fmt.Sprintf("snapshot %s", marketID), err)
	}
	if len(raw) != 5 {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: snapshot %s: unexpected reply length %d", marketID, len(raw))
	}
	snap := domain.OrderbookSnapshot{MarketID: marketID, At: time.Now().UTC()}
	if snap.Sequence, err = toInt64(raw[0]); err != nil {
		return snap, err
	}
	sides := []*[]domain.PriceLevel{&snap.Yes.Bids, &snap.Yes.Asks, &snap.No.Bids, &snap.No.Asks}
	for i, dst := range sides {
		if *dst, err = parseLevels(raw[i+1]); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

func parseLevels(v any) ([]domain.PriceLevel, error) {
	flat, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("redis: levels reply is %T", v)
	}
	levels := make([]domain.PriceLevel, 0, len(flat)/3)
	for i := 0; i+2 < len(flat); i += 3 {
		px, err := toInt64(flat[i])
		if err != nil {
			return nil, err
		}
		size, err := toInt64(flat[i+1])
		if err != nil {
			return nil, err
		}
		n, err := toInt64(flat[i+2])
		if err != nil {
			return nil, err
		}
		levels = append(levels, domain.PriceLevel{PriceTicks: px, Size: size, Orders: int(n)})
	}
	return levels, nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, wrapErr(fmt.Sprintf("parse %q", t), err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("redis: unexpected reply type %T", v)
}

// Compile-time interface check.
var _ domain.Orderbook = (*Orderbook)(nil)
