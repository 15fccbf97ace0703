package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. The ingest
// side writes "price:{asset}" with fields "price" (decimal string), "ts"
// (unix nanoseconds) and "src".
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.rdb}
}

func priceKey(asset domain.Asset) string {
	return "price:" + string(asset)
}

// SetPrice stores the latest price for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, p domain.PricePoint) error {
	fields := map[string]any{
		"price": p.Price.String(),
		"ts":    strconv.FormatInt(p.At.UnixNano(), 10),
		"src":   p.Source,
	}
	if err := pc.rdb.HSet(ctx, priceKey(p.Asset), fields).Err(); err != nil {
		return wrapErr(fmt.Sprintf("set price %s", p.Asset), err)
	}
	return nil
}

// GetPrice returns the latest price for an asset, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, asset domain.Asset) (domain.PricePoint, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return domain.PricePoint{}, wrapErr(fmt.Sprintf("get price %s", asset), err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.PricePoint{}, wrapErr(fmt.Sprintf("parse price %s", asset), err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PricePoint{}, wrapErr(fmt.Sprintf("parse ts %s", asset), err)
	}
	src := vals["src"]
	if src == "" {
		src = "cache"
	}
	return domain.PricePoint{Asset: asset, Price: price, At: time.Unix(0, tsNano), Source: src}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
