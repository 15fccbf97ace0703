package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, market_id, user_id, owner, side, outcome,
	price_ticks, size, remaining, status, client_order_id, ledger_closed,
	expires_at, created_at`

// restingStatuses are the order states that still occupy the book.
var restingStatuses = []string{string(domain.OrderStatusOpen), string(domain.OrderStatusPartial)}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, outcome, status string
		var cid *int64
		if err := rows.Scan(
			&o.ID, &o.MarketID, &o.UserID, &o.Owner, &side, &outcome,
			&o.PriceTicks, &o.Size, &o.Remaining, &status, &cid, &o.LedgerClosed,
			&o.ExpiresAt, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		o.Side = domain.OrderSide(side)
		o.Outcome = domain.Outcome(outcome)
		o.Status = domain.OrderStatus(status)
		if cid != nil {
			// Client order ids are u64 on the ledger and stored bit-for-bit in BIGINT.
			v := uint64(*cid)
			o.ClientOrderID = &v
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CancelOpenByMarket cancels every resting order of a market and returns
// how many rows changed.
func (s *OrderStore) CancelOpenByMarket(ctx context.Context, marketID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW()
		 WHERE market_id = $1 AND status = ANY($3)`,
		marketID, string(domain.OrderStatusCancelled), restingStatuses)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel orders %s: %w", marketID, err)
	}
	return tag.RowsAffected(), nil
}

// ListLedgerCleanup returns cancelled or expired orders whose on-ledger
// account has not been force-closed yet.
func (s *OrderStore) ListLedgerCleanup(ctx context.Context, marketID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE market_id = $1
		   AND client_order_id IS NOT NULL AND owner <> ''
		   AND ledger_closed = FALSE
		   AND status = ANY($2)
		 ORDER BY created_at ASC`,
		marketID, []string{string(domain.OrderStatusCancelled), string(domain.OrderStatusExpired)})
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger cleanup %s: %w", marketID, err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger cleanup %s: %w", marketID, err)
	}
	return orders, nil
}

// MarkLedgerClosed records that the on-ledger accounts of ids were closed.
func (s *OrderStore) MarkLedgerClosed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE orders SET ledger_closed = TRUE, updated_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: mark ledger closed: %w", err)
	}
	return nil
}

// ListExpiredOpen returns resting orders whose expiry is at or before now.
func (s *OrderStore) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status = ANY($1) AND expires_at IS NOT NULL AND expires_at <= $2
		 ORDER BY expires_at ASC LIMIT $3`,
		restingStatuses, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired orders: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired orders: %w", err)
	}
	return orders, nil
}

// MarkExpired moves resting orders to EXPIRED. Orders that filled or were
// cancelled meanwhile are left alone.
func (s *OrderStore) MarkExpired(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW()
		 WHERE id = ANY($1) AND status = ANY($3)`,
		ids, string(domain.OrderStatusExpired), restingStatuses); err != nil {
		return fmt.Errorf("postgres: mark orders expired: %w", err)
	}
	return nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
