package domain

import (
	"context"
	"time"
)

// MarketStore persists markets. Status changes are compare-and-set: the
// bool result reports whether the row was in the expected state.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ExistsForSlot(ctx context.Context, asset Asset, tf Timeframe, expiry time.Time) (bool, error)
	ListDueForActivation(ctx context.Context, now time.Time, limit int) ([]Market, error)
	ListExpired(ctx context.Context, status MarketStatus, now time.Time, limit int) ([]Market, error)
	ListByStatus(ctx context.Context, status MarketStatus, limit int) ([]Market, error)
	ListSettledBefore(ctx context.Context, before time.Time, limit int) ([]Market, error)
	CountByStatus(ctx context.Context) (map[MarketStatus]int64, error)
	Activate(ctx context.Context, id string, strike int64) (bool, error)
	Transition(ctx context.Context, id string, from, to MarketStatus) (bool, error)
	MarkResolved(ctx context.Context, id string, outcome Outcome, finalPrice int64, at time.Time) (bool, error)
	MarkSettled(ctx context.Context, id string, at time.Time) (bool, error)
	MarkArchived(ctx context.Context, id string, from MarketStatus, at time.Time) (bool, error)
}

// PositionStore persists positions.
type PositionStore interface {
	ListUnsettled(ctx context.Context, marketID string) ([]Position, error)
	CountByMarket(ctx context.Context, marketID string) (int, error)
	MarkSettled(ctx context.Context, id string, realizedPnL int64, at time.Time) (bool, error)
}

// UserStore resolves users to their payout wallets.
type UserStore interface {
	PayoutAddresses(ctx context.Context, userIDs []string) (map[string]string, error)
}

// OrderStore persists orders.
type OrderStore interface {
	CancelOpenByMarket(ctx context.Context, marketID string) (int64, error)
	ListLedgerCleanup(ctx context.Context, marketID string) ([]Order, error)
	MarkLedgerClosed(ctx context.Context, ids []string) error
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]Order, error)
	MarkExpired(ctx context.Context, ids []string) error
}

// SettlementStore persists settlement records.
type SettlementStore interface {
	ListByMarket(ctx context.Context, marketID string) ([]Settlement, error)
	// CreatePending inserts PENDING records, reusing FAILED ones for the
	// same position. Records already PENDING or CONFIRMED are left alone
	// and omitted from the result.
	CreatePending(ctx context.Context, recs []Settlement) ([]Settlement, error)
	UpdateStatus(ctx context.Context, ids []string, status SettlementStatus, txSig string) error
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Settlement, error)
}
