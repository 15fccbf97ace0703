package domain

import (
	"context"
	"time"
)

// PriceLevel aggregates resting size at one price.
type PriceLevel struct {
	PriceTicks int64
	Size       int64
	Orders     int
}

// BookSide is one half of an outcome's book.
type BookSide struct {
	Bids []PriceLevel // best (highest) first
	Asks []PriceLevel // best (lowest) first
}

// OrderbookSnapshot is the full book of a market with the sequence
// number it was read at.
type OrderbookSnapshot struct {
	MarketID string
	Sequence int64
	Yes      BookSide
	No       BookSide
	At       time.Time
}

// Orderbook is the cache-backed book of resting orders. Every mutation
// increments the market's sequence counter atomically with the change.
type Orderbook interface {
	Insert(ctx context.Context, o Order) (int64, error)
	Remove(ctx context.Context, o Order) (int64, error)
	Resize(ctx context.Context, o Order, remaining int64) (int64, error)
	BestBid(ctx context.Context, marketID string, outcome Outcome) (PriceLevel, bool, error)
	BestAsk(ctx context.Context, marketID string, outcome Outcome) (PriceLevel, bool, error)
	Levels(ctx context.Context, marketID string, outcome Outcome, side OrderSide) ([]PriceLevel, error)
	Snapshot(ctx context.Context, marketID string) (OrderbookSnapshot, error)
	Clear(ctx context.Context, marketID string) error
	Sequence(ctx context.Context, marketID string) (int64, error)
}
