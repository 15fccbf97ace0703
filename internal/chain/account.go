package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// LedgerMarketStatus mirrors the program's market status byte.
type LedgerMarketStatus uint8

const (
	LedgerMarketPending LedgerMarketStatus = iota
	LedgerMarketOpen
	LedgerMarketClosed
	LedgerMarketResolved
	LedgerMarketSettled
)

// LedgerOutcome mirrors the outcome byte stored in a market account. The
// resolve_market argument uses its own encoding (0 yes, 1 no).
type LedgerOutcome uint8

const (
	LedgerOutcomePending LedgerOutcome = iota
	LedgerOutcomeYes
	LedgerOutcomeNo
)

const (
	marketAccountSize = 147
	fixedStrLen       = 10
)

// MarketAccount is the decoded on-ledger market state.
type MarketAccount struct {
	ID               uint64
	Authority        PublicKey
	Asset            string
	Timeframe        string
	StrikePrice      uint64
	FinalPrice       uint64
	CreatedAt        int64
	ExpiryAt         int64
	ResolvedAt       int64
	SettledAt        int64
	Status           LedgerMarketStatus
	Outcome          LedgerOutcome
	TotalVolume      uint64
	TotalTrades      uint32
	TotalPositions   uint32
	SettledPositions uint32
	OpenInterest     uint64
	Bump             uint8
}

// AccountDiscriminator is the 8-byte type tag of a program account.
func AccountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

var marketDisc = AccountDiscriminator("Market")

// DecodeMarketAccount parses raw market account data.
func DecodeMarketAccount(data []byte) (MarketAccount, error) {
	if len(data) < marketAccountSize {
		return MarketAccount{}, fmt.Errorf("chain: market account is %d bytes, want %d", len(data), marketAccountSize)
	}
	if !bytes.Equal(data[:8], marketDisc[:]) {
		return MarketAccount{}, fmt.Errorf("chain: account is not a market")
	}
	le := binary.LittleEndian
	var m MarketAccount
	m.ID = le.Uint64(data[8:16])
	copy(m.Authority[:], data[16:48])
	m.Asset = string(bytes.TrimRight(data[48:48+fixedStrLen], "\x00"))
	m.Timeframe = string(bytes.TrimRight(data[58:58+fixedStrLen], "\x00"))
	m.StrikePrice = le.Uint64(data[68:76])
	m.FinalPrice = le.Uint64(data[76:84])
	m.CreatedAt = int64(le.Uint64(data[84:92]))
	m.ExpiryAt = int64(le.Uint64(data[92:100]))
	m.ResolvedAt = int64(le.Uint64(data[100:108]))
	m.SettledAt = int64(le.Uint64(data[108:116]))
	m.Status = LedgerMarketStatus(data[116])
	m.Outcome = LedgerOutcome(data[117])
	m.TotalVolume = le.Uint64(data[118:126])
	m.TotalTrades = le.Uint32(data[126:130])
	m.TotalPositions = le.Uint32(data[130:134])
	m.SettledPositions = le.Uint32(data[134:138])
	m.OpenInterest = le.Uint64(data[138:146])
	m.Bump = data[146]
	return m, nil
}
