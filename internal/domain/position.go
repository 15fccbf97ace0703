package domain

import "time"

// PositionStatus tracks whether a position still awaits settlement.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "OPEN"
	PositionStatusSettled PositionStatus = "SETTLED"
)

// Position is a user's YES/NO holding in one market. Share counts and
// realized P&L are frozen once the position is settled.
type Position struct {
	ID          string
	MarketID    string
	UserID      string
	YesShares   int64 // ShareScale
	NoShares    int64 // ShareScale
	TotalCost   int64 // ShareScale (USDC)
	RealizedPnL int64
	Status      PositionStatus
	SettledAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WinningShares returns the share count matching outcome.
func (p Position) WinningShares(o Outcome) int64 {
	switch o {
	case OutcomeYes:
		return p.YesShares
	case OutcomeNo:
		return p.NoShares
	}
	return 0
}
