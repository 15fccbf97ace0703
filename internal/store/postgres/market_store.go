package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, address, asset, timeframe, strike_price,
	start_at, expiry_at, status, outcome, final_price,
	total_positions, total_volume, resolved_at, settled_at, archived_at,
	created_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var asset, tf, status, outcome string
	err := row.Scan(
		&m.ID, &m.Address, &asset, &tf, &m.StrikePrice,
		&m.StartAt, &m.ExpiryAt, &status, &outcome, &m.FinalPrice,
		&m.TotalPositions, &m.TotalVolume, &m.ResolvedAt, &m.SettledAt, &m.ArchivedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Asset = domain.Asset(asset)
	m.Timeframe = domain.Timeframe(tf)
	m.Status = domain.MarketStatus(status)
	m.Outcome = domain.Outcome(outcome)
	return m, nil
}

func scanMarkets(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Create inserts a market. A market already occupying the same
// (asset, timeframe, expiry) slot yields domain.ErrAlreadyExists.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, address, asset, timeframe, strike_price,
			start_at, expiry_at, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Address, string(m.Asset), string(m.Timeframe), m.StrikePrice,
		m.StartAt, m.ExpiryAt, string(m.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a single market, or domain.ErrNotFound.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ExistsForSlot reports whether any market, in any status, occupies the slot.
func (s *MarketStore) ExistsForSlot(ctx context.Context, asset domain.Asset, tf domain.Timeframe, expiry time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM markets WHERE asset = $1 AND timeframe = $2 AND expiry_at = $3)`,
		string(asset), string(tf), expiry,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: slot exists %s/%s: %w", asset, tf, err)
	}
	return exists, nil
}

// ListDueForActivation returns pending markets whose start time has come
// and whose expiry has not, oldest first.
func (s *MarketStore) ListDueForActivation(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE status = $1 AND start_at <= $2 AND expiry_at > $2
		 ORDER BY start_at ASC LIMIT $3`,
		string(domain.MarketStatusPendingActivation), now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due for activation: %w", err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due for activation: %w", err)
	}
	return markets, nil
}

// ListExpired returns markets in status whose expiry is at or before now.
func (s *MarketStore) ListExpired(ctx context.Context, status domain.MarketStatus, now time.Time, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE status = $1 AND expiry_at <= $2
		 ORDER BY expiry_at ASC LIMIT $3`,
		string(status), now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired %s: %w", status, err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired %s: %w", status, err)
	}
	return markets, nil
}

// ListByStatus returns up to limit markets in status, oldest expiry first.
func (s *MarketStore) ListByStatus(ctx context.Context, status domain.MarketStatus, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE status = $1
		 ORDER BY expiry_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets %s: %w", status, err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan markets %s: %w", status, err)
	}
	return markets, nil
}

// ListSettledBefore returns settled markets whose settlement finished before
// the cutoff. The archiver uses it.
func (s *MarketStore) ListSettledBefore(ctx context.Context, before time.Time, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE status = $1 AND settled_at IS NOT NULL AND settled_at < $2
		 ORDER BY settled_at ASC LIMIT $3`,
		string(domain.MarketStatusSettled), before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled before: %w", err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled before: %w", err)
	}
	return markets, nil
}

// CountByStatus returns the number of markets in each status.
func (s *MarketStore) CountByStatus(ctx context.Context) (map[domain.MarketStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM markets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count markets: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.MarketStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan market count: %w", err)
		}
		out[domain.MarketStatus(status)] = n
	}
	return out, rows.Err()
}

// Activate records the strike and opens a pending market. It reports false
// when the market was no longer pending.
func (s *MarketStore) Activate(ctx context.Context, id string, strike int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET strike_price = $2, status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, strike, string(domain.MarketStatusOpen), string(domain.MarketStatusPendingActivation))
	if err != nil {
		return false, fmt.Errorf("postgres: activate market %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Transition moves a market from one status to another.
func (s *MarketStore) Transition(ctx context.Context, id string, from, to domain.MarketStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("postgres: transition market %s %s->%s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkResolved stores the outcome of a closed market.
func (s *MarketStore) MarkResolved(ctx context.Context, id string, outcome domain.Outcome, finalPrice int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, outcome = $3, final_price = $4,
		        resolved_at = $5, updated_at = NOW()
		 WHERE id = $1 AND status = $6`,
		id, string(domain.MarketStatusResolved), string(outcome), finalPrice, at,
		string(domain.MarketStatusClosed))
	if err != nil {
		return false, fmt.Errorf("postgres: resolve market %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSettled moves a market to settled. Closed and pending markets are
// accepted too: they are settled directly when they have nothing to pay.
func (s *MarketStore) MarkSettled(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, settled_at = $3, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4)`,
		id, string(domain.MarketStatusSettled), at,
		[]string{
			string(domain.MarketStatusResolved),
			string(domain.MarketStatusClosed),
			string(domain.MarketStatusPendingActivation),
		})
	if err != nil {
		return false, fmt.Errorf("postgres: settle market %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkArchived moves a market from the given status to archived.
func (s *MarketStore) MarkArchived(ctx context.Context, id string, from domain.MarketStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, archived_at = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, string(domain.MarketStatusArchived), at, string(from))
	if err != nil {
		return false, fmt.Errorf("postgres: archive market %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
