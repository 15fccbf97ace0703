package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// ExpiringBook is the part of the orderbook the expiry job touches.
type ExpiringBook interface {
	Remove(ctx context.Context, o domain.Order) (int64, error)
	PurgeExpired(ctx context.Context, marketID string, now time.Time) ([]string, error)
}

// OrderExpiry takes resting orders past their expiry off the book and
// marks them EXPIRED. Their on-ledger accounts are force-closed later by
// the close and archive steps.
type OrderExpiry struct {
	orders domain.OrderStore
	book   ExpiringBook
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

// NewOrderExpiry creates an OrderExpiry that handles up to limit orders a
// pass.
func NewOrderExpiry(orders domain.OrderStore, book ExpiringBook, limit int, logger *slog.Logger) *OrderExpiry {
	if limit <= 0 {
		limit = 500
	}
	return &OrderExpiry{
		orders: orders,
		book:   book,
		limit:  limit,
		logger: logger.With(slog.String("component", "order_expiry")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run is one expiry pass.
func (e *OrderExpiry) Run(ctx context.Context) error {
	now := e.now()
	due, err := e.orders.ListExpiredOpen(ctx, now, e.limit)
	if err != nil {
		return fmt.Errorf("lifecycle: list expired orders: %w", err)
	}

	var errs []error
	var ids []string
	markets := make(map[string]struct{})
	for _, o := range due {
		if _, err := e.book.Remove(ctx, o); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, o.ID)
		markets[o.MarketID] = struct{}{}
	}
	// Sweeps book entries whose rows were already moved on by another path.
	for id := range markets {
		if _, err := e.book.PurgeExpired(ctx, id, now); err != nil {
			errs = append(errs, err)
		}
	}
	if len(ids) > 0 {
		if err := e.orders.MarkExpired(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: mark orders expired: %w", err))
		} else {
			e.logger.Info("orders expired", slog.Int("count", len(ids)), slog.Int("markets", len(markets)))
		}
	}
	return errors.Join(errs...)
}
