package domain

import "time"

// SettlementStatus is the on-ledger state of a settlement record.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementConfirmed SettlementStatus = "CONFIRMED"
	SettlementFailed    SettlementStatus = "FAILED"
)

// Settlement records the payout of one position. At most one record
// exists per position; a FAILED record is reused on retry.
type Settlement struct {
	ID            string
	PositionID    string
	MarketID      string
	UserID        string
	Outcome       Outcome
	WinningShares int64
	Payout        int64
	Profit        int64
	Status        SettlementStatus
	TxSignature   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
