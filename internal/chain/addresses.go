package chain

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Seed prefixes of the market program's accounts.
const (
	seedGlobal   = "global"
	seedMarket   = "market"
	seedPosition = "position"
	seedOrder    = "order"
)

// Deriver computes deterministic account addresses for one program
// deployment. Seeds must byte-match the program: asset and timeframe are
// raw bytes with no padding, integers are little-endian.
type Deriver struct {
	Program PublicKey
	Mint    PublicKey // settlement token mint
}

// MarketSeeds is the seed tuple of a market account.
func MarketSeeds(asset, timeframe string, expiry time.Time) [][]byte {
	exp := make([]byte, 8)
	binary.LittleEndian.PutUint64(exp, uint64(expiry.Unix()))
	return [][]byte{[]byte(seedMarket), []byte(asset), []byte(timeframe), exp}
}

// Global returns the protocol config account.
func (d Deriver) Global() (PublicKey, error) {
	pk, _, err := FindProgramAddress([][]byte{[]byte(seedGlobal)}, d.Program)
	if err != nil {
		return PublicKey{}, fmt.Errorf("chain: derive global: %w", err)
	}
	return pk, nil
}

// Market returns the market account for (asset, timeframe, expiry).
func (d Deriver) Market(asset, timeframe string, expiry time.Time) (PublicKey, error) {
	pk, _, err := FindProgramAddress(MarketSeeds(asset, timeframe, expiry), d.Program)
	if err != nil {
		return PublicKey{}, fmt.Errorf("chain: derive market %s/%s@%d: %w", asset, timeframe, expiry.Unix(), err)
	}
	return pk, nil
}

// Vault returns the market's escrow token account.
func (d Deriver) Vault(market PublicKey) (PublicKey, error) {
	return d.TokenAccount(market)
}

// Position returns the per-user position account of a market.
func (d Deriver) Position(market, owner PublicKey) (PublicKey, error) {
	pk, _, err := FindProgramAddress([][]byte{[]byte(seedPosition), market[:], owner[:]}, d.Program)
	if err != nil {
		return PublicKey{}, fmt.Errorf("chain: derive position: %w", err)
	}
	return pk, nil
}

// Order returns the on-ledger order account for a client order id.
func (d Deriver) Order(market, owner PublicKey, clientOrderID uint64) (PublicKey, error) {
	id := make([]byte, 8)
	binary.LittleEndian.PutUint64(id, clientOrderID)
	pk, _, err := FindProgramAddress([][]byte{[]byte(seedOrder), market[:], owner[:], id}, d.Program)
	if err != nil {
		return PublicKey{}, fmt.Errorf("chain: derive order: %w", err)
	}
	return pk, nil
}

// TokenAccount returns the associated token account of owner for the
// settlement mint.
func (d Deriver) TokenAccount(owner PublicKey) (PublicKey, error) {
	return AssociatedTokenAddress(owner, d.Mint)
}

// AssociatedTokenAddress derives the canonical token account of owner
// for mint.
func AssociatedTokenAddress(owner, mint PublicKey) (PublicKey, error) {
	pk, _, err := FindProgramAddress([][]byte{owner[:], TokenProgramID[:], mint[:]}, AssociatedTokenProgram)
	if err != nil {
		return PublicKey{}, fmt.Errorf("chain: derive token account: %w", err)
	}
	return pk, nil
}
