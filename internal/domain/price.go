package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// PriceScale is the fixed-point scale of strike and final prices.
	PriceScale = 100_000_000
	// ShareScale is the fixed-point scale of shares, USDC amounts and book prices.
	ShareScale = 1_000_000
)

var priceScale = decimal.NewFromInt(PriceScale)

// PricePoint is one observation from a price source.
type PricePoint struct {
	Asset  Asset
	Price  decimal.Decimal
	At     time.Time
	Source string
}

// Age returns how old the observation is at now.
func (p PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.At)
}

// ToFixed converts a decimal price to PriceScale fixed point, rounding
// half away from zero at the last digit.
func ToFixed(d decimal.Decimal) int64 {
	return d.Mul(priceScale).Round(0).IntPart()
}

// FromFixed converts a PriceScale fixed-point price back to a decimal.
func FromFixed(v int64) decimal.Decimal {
	return decimal.New(v, -8)
}
