package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
)

// Program and Mint are the deployment the fake ledger derives against.
var (
	Program = chain.MustPublicKey("5Kq43SR2HUNsyNZWaau1p8kQzAvW2UA2mAvempdchTrk")
	Mint    = chain.MustPublicKey("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
)

// Ledger is a fake on-ledger program. It keeps market and position
// accounts and answers with the same Result kinds as the relayer.
type Ledger struct {
	mu        sync.Mutex
	Deriver   chain.Deriver
	Markets   map[chain.PublicKey]chain.MarketAccount
	Positions map[chain.PublicKey]bool
	Calls     map[string]int
	sig       int

	// SettleChunk is the number of owners per settlement transaction.
	SettleChunk int
	// FailChunks forces the result of settlement chunk i.
	FailChunks map[int]relayer.Result
	// Refuse makes close_market answer Refused for these markets.
	Refuse map[chain.PublicKey]bool
	// BeforeResolve runs before resolve_market is applied.
	BeforeResolve func(market chain.PublicKey)
	// CreateLag hides a newly initialized market from AccountExists for
	// this many lookups.
	CreateLag int
	lag       map[chain.PublicKey]int
}

// NewLedger returns an empty fake ledger.
func NewLedger() *Ledger {
	return &Ledger{
		Deriver:     chain.Deriver{Program: Program, Mint: Mint},
		Markets:     make(map[chain.PublicKey]chain.MarketAccount),
		Positions:   make(map[chain.PublicKey]bool),
		Calls:       make(map[string]int),
		SettleChunk: 5,
		FailChunks:  make(map[int]relayer.Result),
		Refuse:      make(map[chain.PublicKey]bool),
		lag:         make(map[chain.PublicKey]int),
	}
}

// CallCount returns how many transactions op submitted.
func (l *Ledger) CallCount(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Calls[op]
}

// Market returns the on-ledger state of a market.
func (l *Ledger) Market(pk chain.PublicKey) (chain.MarketAccount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.Markets[pk]
	return m, ok
}

// PutMarket seeds a market account.
func (l *Ledger) PutMarket(pk chain.PublicKey, acct chain.MarketAccount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Markets[pk] = acct
}

// OpenPosition seeds the position account of owner in market.
func (l *Ledger) OpenPosition(market, owner chain.PublicKey) chain.PublicKey {
	addr, err := l.Deriver.Position(market, owner)
	if err != nil {
		panic(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Positions[addr] = true
	return addr
}

// HasPosition reports whether the position account still exists.
func (l *Ledger) HasPosition(market, owner chain.PublicKey) bool {
	addr, _ := l.Deriver.Position(market, owner)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Positions[addr]
}

func (l *Ledger) nextSig(op string) string {
	l.Calls[op]++
	l.sig++
	return fmt.Sprintf("sig-%s-%d", op, l.sig)
}

func already(msg string) relayer.Result {
	return relayer.Result{Kind: relayer.KindAlreadyApplied, Err: errors.New(msg)}
}

func missing() relayer.Result {
	return relayer.Result{Kind: relayer.KindMissingAccount, Err: errors.New("AccountNotInitialized")}
}

func (l *Ledger) MarketAddress(asset domain.Asset, tf domain.Timeframe, expiry time.Time) (chain.PublicKey, error) {
	return l.Deriver.Market(string(asset), string(tf), expiry)
}

func (l *Ledger) PositionAddress(market, owner chain.PublicKey) (chain.PublicKey, error) {
	return l.Deriver.Position(market, owner)
}

func (l *Ledger) InitializeMarket(_ context.Context, asset domain.Asset, tf domain.Timeframe, expiry time.Time) (chain.PublicKey, relayer.Result) {
	pk, err := l.MarketAddress(asset, tf, expiry)
	if err != nil {
		return chain.PublicKey{}, relayer.Result{Kind: relayer.KindFatal, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sig := l.nextSig(relayer.OpInitializeMarket)
	if _, ok := l.Markets[pk]; ok {
		return pk, already("already in use")
	}
	l.Markets[pk] = chain.MarketAccount{
		Asset: string(asset), Timeframe: string(tf), ExpiryAt: expiry.Unix(),
		Status: chain.LedgerMarketPending,
	}
	l.lag[pk] = l.CreateLag
	return pk, relayer.Result{Kind: relayer.KindSuccess, Signature: sig}
}

func (l *Ledger) activate(pk chain.PublicKey, strike uint64) relayer.Result {
	m, ok := l.Markets[pk]
	if !ok {
		return missing()
	}
	if m.Status != chain.LedgerMarketPending {
		return already("MarketNotPending")
	}
	m.StrikePrice = strike
	m.Status = chain.LedgerMarketOpen
	l.Markets[pk] = m
	return relayer.Result{Kind: relayer.KindSuccess, Signature: fmt.Sprintf("sig-activate-%d", l.sig)}
}

func (l *Ledger) ActivateMarket(_ context.Context, pk chain.PublicKey, strike uint64) relayer.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSig(relayer.OpActivateMarket)
	return l.activate(pk, strike)
}

// ActivateMarkets applies each activation on its own; the fake has no
// all-or-nothing batches.
func (l *Ledger) ActivateMarkets(_ context.Context, acts []relayer.Activation) []relayer.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSig(relayer.OpActivateMarket)
	out := make([]relayer.Result, len(acts))
	for i, a := range acts {
		out[i] = l.activate(a.Market, a.Strike)
	}
	return out
}

func (l *Ledger) ResolveMarket(_ context.Context, pk chain.PublicKey, outcome domain.Outcome, final uint64) relayer.Result {
	if l.BeforeResolve != nil {
		l.BeforeResolve(pk)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sig := l.nextSig(relayer.OpResolveMarket)
	m, ok := l.Markets[pk]
	if !ok {
		return missing()
	}
	if m.Status == chain.LedgerMarketResolved || m.Status == chain.LedgerMarketSettled {
		return already("MarketAlreadyResolved")
	}
	m.Status = chain.LedgerMarketResolved
	m.Outcome = AccountOutcome(outcome)
	m.FinalPrice = final
	l.Markets[pk] = m
	return relayer.Result{Kind: relayer.KindSuccess, Signature: sig}
}

func (l *Ledger) SettlePositionsBatch(_ context.Context, market chain.PublicKey, owners []chain.PublicKey) []relayer.ChunkResult {
	var out []relayer.ChunkResult
	for i, lo := 0, 0; lo < len(owners); i, lo = i+1, lo+l.SettleChunk {
		hi := min(lo+l.SettleChunk, len(owners))
		out = append(out, relayer.ChunkResult{Lo: lo, Hi: hi, Result: l.settleChunk(i, market, owners[lo:hi])})
	}
	return out
}

func (l *Ledger) settleChunk(i int, market chain.PublicKey, owners []chain.PublicKey) relayer.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	sig := l.nextSig(relayer.OpSettlePositions)
	if r, ok := l.FailChunks[i]; ok {
		return r
	}
	if _, ok := l.Markets[market]; !ok {
		return missing()
	}
	addrs := make([]chain.PublicKey, len(owners))
	for j, o := range owners {
		addrs[j], _ = l.Deriver.Position(market, o)
		if !l.Positions[addrs[j]] {
			return already("PositionAlreadySettled")
		}
	}
	for _, a := range addrs {
		delete(l.Positions, a)
	}
	return relayer.Result{Kind: relayer.KindSuccess, Signature: sig}
}

func (l *Ledger) CloseMarkets(_ context.Context, markets []chain.PublicKey) []relayer.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	sig := l.nextSig(relayer.OpCloseMarket)
	out := make([]relayer.Result, len(markets))
	for i, pk := range markets {
		switch _, ok := l.Markets[pk]; {
		case !ok:
			out[i] = missing()
		case l.Refuse[pk]:
			out[i] = relayer.Result{Kind: relayer.KindRefused, Err: errors.New("VaultNotEmpty")}
		default:
			delete(l.Markets, pk)
			out[i] = relayer.Result{Kind: relayer.KindSuccess, Signature: sig}
		}
	}
	return out
}

func (l *Ledger) CancelOrdersByRelayer(_ context.Context, _ chain.PublicKey, orders []relayer.OrderRef) []relayer.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	sig := l.nextSig(relayer.OpCancelOrders)
	out := make([]relayer.Result, len(orders))
	for i := range out {
		out[i] = relayer.Result{Kind: relayer.KindSuccess, Signature: sig}
	}
	return out
}

func (l *Ledger) exists(pk chain.PublicKey) bool {
	if _, ok := l.Markets[pk]; ok {
		if l.lag[pk] > 0 {
			l.lag[pk]--
			return false
		}
		return true
	}
	return l.Positions[pk]
}

func (l *Ledger) AccountExists(_ context.Context, pk chain.PublicKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exists(pk), nil
}

func (l *Ledger) AccountsExist(_ context.Context, pks []chain.PublicKey) ([]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, len(pks))
	for i, pk := range pks {
		out[i] = l.exists(pk)
	}
	return out, nil
}

func (l *Ledger) FetchMarket(_ context.Context, pk chain.PublicKey) (chain.MarketAccount, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.Markets[pk]
	return m, ok, nil
}

// AccountOutcome is the outcome byte a resolved market account holds.
func AccountOutcome(o domain.Outcome) chain.LedgerOutcome {
	switch o {
	case domain.OutcomeYes:
		return chain.LedgerOutcomeYes
	case domain.OutcomeNo:
		return chain.LedgerOutcomeNo
	}
	return chain.LedgerOutcomePending
}
