package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementSelectCols = `id, position_id, market_id, user_id, outcome,
	winning_shares, payout, profit, status, tx_signature, created_at, updated_at`

func scanSettlementRows(rows pgx.Rows) ([]domain.Settlement, error) {
	defer rows.Close()
	var out []domain.Settlement
	for rows.Next() {
		var st domain.Settlement
		var outcome, status string
		if err := rows.Scan(
			&st.ID, &st.PositionID, &st.MarketID, &st.UserID, &outcome,
			&st.WinningShares, &st.Payout, &st.Profit, &status, &st.TxSignature,
			&st.CreatedAt, &st.UpdatedAt,
		); err != nil {
			return nil, err
		}
		st.Outcome = domain.Outcome(outcome)
		st.Status = domain.SettlementStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListByMarket returns every settlement record of a market.
func (s *SettlementStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE market_id = $1 ORDER BY created_at ASC`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements %s: %w", marketID, err)
	}
	out, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements %s: %w", marketID, err)
	}
	return out, nil
}

// CreatePending writes PENDING records in one batch. The unique index on
// position_id makes this the idempotency guard: a FAILED record is flipped
// back to PENDING with fresh amounts, while PENDING and CONFIRMED records
// are untouched and left out of the result.
func (s *SettlementStore) CreatePending(ctx context.Context, recs []domain.Settlement) ([]domain.Settlement, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	const query = `
		INSERT INTO settlements (
			id, position_id, market_id, user_id, outcome,
			winning_shares, payout, profit, status, tx_signature,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', NOW(), NOW())
		ON CONFLICT (position_id) DO UPDATE SET
			outcome        = EXCLUDED.outcome,
			winning_shares = EXCLUDED.winning_shares,
			payout         = EXCLUDED.payout,
			profit         = EXCLUDED.profit,
			status         = EXCLUDED.status,
			tx_signature   = '',
			updated_at     = NOW()
		WHERE settlements.status = $10
		RETURNING id, created_at, updated_at`

	batch := &pgx.Batch{}
	for _, r := range recs {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch.Queue(query,
			id, r.PositionID, r.MarketID, r.UserID, string(r.Outcome),
			r.WinningShares, r.Payout, r.Profit, string(domain.SettlementPending),
			string(domain.SettlementFailed),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var created []domain.Settlement
	for i, r := range recs {
		err := br.QueryRow().Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: create pending settlement item %d: %w", i, err)
		}
		r.Status = domain.SettlementPending
		r.TxSignature = ""
		created = append(created, r)
	}
	return created, nil
}

// UpdateStatus sets status on ids. An empty txSig keeps the stored one.
func (s *SettlementStore) UpdateStatus(ctx context.Context, ids []string, status domain.SettlementStatus, txSig string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE settlements
		 SET status = $2,
		     tx_signature = CASE WHEN $3 = '' THEN tx_signature ELSE $3 END,
		     updated_at = NOW()
		 WHERE id = ANY($1)`,
		ids, string(status), txSig)
	if err != nil {
		return fmt.Errorf("postgres: update settlement status %s: %w", status, err)
	}
	return nil
}

// ListStalePending returns PENDING records last touched before the cutoff.
func (s *SettlementStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC LIMIT $3`,
		string(domain.SettlementPending), before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale settlements: %w", err)
	}
	out, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stale settlements: %w", err)
	}
	return out, nil
}

var _ domain.SettlementStore = (*SettlementStore)(nil)
