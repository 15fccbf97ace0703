package domain

import (
	"fmt"
	"time"
)

// Asset is the underlying a market is written on.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
	AssetSOL Asset = "SOL"
)

// Timeframe is the lifetime of a market from start to expiry.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe24h Timeframe = "24h"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe24h: 24 * time.Hour,
}

// Duration returns the length of one market slot.
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0, fmt.Errorf("timeframe %q: %w", tf, ErrInvalidMarket)
	}
	return d, nil
}

// ValidAsset reports whether the ledger program accepts a.
func ValidAsset(a Asset) bool {
	switch a {
	case AssetBTC, AssetETH, AssetSOL:
		return true
	}
	return false
}

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusPendingActivation MarketStatus = "pending_activation"
	MarketStatusOpen              MarketStatus = "open"
	MarketStatusClosed            MarketStatus = "closed"
	MarketStatusResolved          MarketStatus = "resolved"
	MarketStatusSettled           MarketStatus = "settled"
	MarketStatusArchived          MarketStatus = "archived"
)

// Outcome is the winning side of a resolved market.
type Outcome string

const (
	OutcomeUnset Outcome = ""
	OutcomeYes   Outcome = "YES"
	OutcomeNo    Outcome = "NO"
)

// LedgerCode is the resolve_market argument byte for o. Market accounts
// store outcomes with a different encoding.
func (o Outcome) LedgerCode() uint8 {
	if o == OutcomeNo {
		return 1
	}
	return 0
}

// DecideOutcome compares a final price with the strike. The boundary is
// strict: a final price equal to the strike resolves NO.
func DecideOutcome(finalPrice, strike int64) Outcome {
	if finalPrice > strike {
		return OutcomeYes
	}
	return OutcomeNo
}

// Market is one time-boxed binary market on a single asset.
type Market struct {
	ID             string
	Address        string // ledger account, base58
	Asset          Asset
	Timeframe      Timeframe
	StrikePrice    int64 // PriceScale fixed point, 0 until activation
	StartAt        time.Time
	ExpiryAt       time.Time
	Status         MarketStatus
	Outcome        Outcome
	FinalPrice     int64
	TotalPositions int
	TotalVolume    int64 // ShareScale fixed point
	ResolvedAt     *time.Time
	SettledAt      *time.Time
	ArchivedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether trading time is over at now.
func (m Market) Expired(now time.Time) bool {
	return !now.Before(m.ExpiryAt)
}

// SlotExpiry returns the k-th future slot boundary for tf after now.
// Boundaries are aligned to the Unix epoch.
func SlotExpiry(tf Timeframe, now time.Time, k int) (time.Time, error) {
	d, err := tf.Duration()
	if err != nil {
		return time.Time{}, err
	}
	base := now.Truncate(d)
	return base.Add(time.Duration(k) * d).UTC(), nil
}
