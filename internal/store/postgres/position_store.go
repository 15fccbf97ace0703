package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, market_id, user_id, yes_shares, no_shares,
	total_cost, realized_pnl, status, settled_at, created_at, updated_at`

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var status string
		if err := rows.Scan(
			&p.ID, &p.MarketID, &p.UserID, &p.YesShares, &p.NoShares,
			&p.TotalCost, &p.RealizedPnL, &status, &p.SettledAt, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.Status = domain.PositionStatus(status)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListUnsettled returns every OPEN position of a market, losing ones included.
func (s *PositionStore) ListUnsettled(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE market_id = $1 AND status = $2
		 ORDER BY created_at ASC, id ASC`,
		marketID, string(domain.PositionStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled positions %s: %w", marketID, err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unsettled positions %s: %w", marketID, err)
	}
	return positions, nil
}

// CountByMarket returns the number of positions ever opened in a market.
func (s *PositionStore) CountByMarket(ctx context.Context, marketID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions WHERE market_id = $1`, marketID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count positions %s: %w", marketID, err)
	}
	return n, nil
}

// MarkSettled freezes a position. It reports false if it was already settled.
func (s *PositionStore) MarkSettled(ctx context.Context, id string, realizedPnL int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = $2, realized_pnl = $3, settled_at = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $5`,
		id, string(domain.PositionStatusSettled), realizedPnL, at, string(domain.PositionStatusOpen))
	if err != nil {
		return false, fmt.Errorf("postgres: settle position %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given connection pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// PayoutAddresses maps user ids to wallet addresses. Users without a wallet
// are absent from the result.
func (s *UserStore) PayoutAddresses(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, wallet_address FROM users
		 WHERE id = ANY($1) AND wallet_address IS NOT NULL AND wallet_address <> ''`,
		userIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: payout addresses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, wallet string
		if err := rows.Scan(&id, &wallet); err != nil {
			return nil, fmt.Errorf("postgres: scan payout address: %w", err)
		}
		out[id] = wallet
	}
	return out, rows.Err()
}

var (
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.UserStore     = (*UserStore)(nil)
)
