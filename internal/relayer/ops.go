package relayer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// Operation names used for metrics and logs.
const (
	OpInitializeMarket = "initialize_market"
	OpActivateMarket   = "activate_market"
	OpResolveMarket    = "resolve_market"
	OpSettlePositions  = "settle_positions"
	OpCloseMarket      = "close_market"
	OpCancelOrders     = "cancel_order_by_relayer"
)

// InitializeMarket creates a pending market (strike 0) on-ledger.
func (c *Client) InitializeMarket(ctx context.Context, asset domain.Asset, tf domain.Timeframe, expiry time.Time) (chain.PublicKey, Result) {
	ix, market, err := c.builder.InitializeMarket(string(asset), string(tf), 0, expiry)
	if err != nil {
		return chain.PublicKey{}, Result{Kind: KindFatal, Err: err}
	}
	return market, c.Submit(ctx, OpInitializeMarket, []chain.Instruction{ix})
}

// Activation pairs a pending market with its strike.
type Activation struct {
	Market chain.PublicKey
	Strike uint64
}

// ActivateMarket sets the strike of one pending market.
func (c *Client) ActivateMarket(ctx context.Context, market chain.PublicKey, strike uint64) Result {
	return c.Submit(ctx, OpActivateMarket, []chain.Instruction{c.builder.ActivateMarket(market, strike)})
}

// ActivateMarkets batches activations. Results align with acts.
func (c *Client) ActivateMarkets(ctx context.Context, acts []Activation) []Result {
	items := make([][]chain.Instruction, len(acts))
	for i, a := range acts {
		items[i] = []chain.Instruction{c.builder.ActivateMarket(a.Market, a.Strike)}
	}
	res, _ := c.submitItems(ctx, OpActivateMarket, nil, items, c.cfg.MaxBatch)
	return res
}

// ResolveMarket records the outcome and final price on-ledger.
func (c *Client) ResolveMarket(ctx context.Context, market chain.PublicKey, outcome domain.Outcome, finalPrice uint64) Result {
	ix := c.builder.ResolveMarket(market, outcome.LedgerCode(), finalPrice)
	return c.Submit(ctx, OpResolveMarket, []chain.Instruction{ix})
}

// ChunkResult is the outcome of one settlement transaction covering
// owners[Lo:Hi].
type ChunkResult struct {
	Lo, Hi int
	Result Result
}

// SettlePositionsBatch settles each owner's position in market, chunked
// by SettleChunkSize. Every chunk is submitted even if an earlier one
// failed.
func (c *Client) SettlePositionsBatch(ctx context.Context, market chain.PublicKey, owners []chain.PublicKey) []ChunkResult {
	items := make([][]chain.Instruction, 0, len(owners))
	for _, owner := range owners {
		ix, err := c.builder.SettlePosition(market, owner)
		if err != nil {
			return []ChunkResult{{Lo: 0, Hi: len(owners), Result: Result{Kind: KindFatal, Err: err}}}
		}
		items = append(items, []chain.Instruction{ix})
	}
	res, spans := c.submitItems(ctx, OpSettlePositions, nil, items, c.cfg.SettleChunkSize)
	out := make([]ChunkResult, 0, len(spans))
	for _, s := range spans {
		r := Result{Kind: KindSuccess}
		if s.lo < len(res) {
			r = res[s.lo]
		}
		out = append(out, ChunkResult{Lo: s.lo, Hi: s.hi, Result: r})
	}
	return out
}

// CloseMarket closes one settled market to recover rent.
func (c *Client) CloseMarket(ctx context.Context, market chain.PublicKey) Result {
	return c.CloseMarkets(ctx, []chain.PublicKey{market})[0]
}

// CloseMarkets batches market closes. The authority's token account
// receives vault dust, so its creation is prepended when a just-in-time
// check finds it absent. Results align with markets.
func (c *Client) CloseMarkets(ctx context.Context, markets []chain.PublicKey) []Result {
	if len(markets) == 0 {
		return nil
	}
	items := make([][]chain.Instruction, len(markets))
	for i, m := range markets {
		ix, err := c.builder.CloseMarket(m)
		if err != nil {
			res := make([]Result, len(markets))
			for j := range res {
				res[j] = Result{Kind: KindFatal, Err: err}
			}
			return res
		}
		items[i] = []chain.Instruction{ix}
	}
	prefix, err := c.feeAccountPrefix(ctx)
	if err != nil {
		res := make([]Result, len(markets))
		for j := range res {
			res[j] = Result{Kind: KindFatal, Err: err}
		}
		return res
	}
	res, _ := c.submitItems(ctx, OpCloseMarket, prefix, items, c.cfg.MaxBatch)
	if len(prefix) > 0 {
		for _, r := range res {
			if r.Kind == KindSuccess {
				c.feeAccountReady.Store(true)
				break
			}
		}
	}
	return res
}

func (c *Client) feeAccountPrefix(ctx context.Context) ([]chain.Instruction, error) {
	if c.feeAccountReady.Load() {
		return nil, nil
	}
	ata, err := c.builder.TokenAccount(c.Authority())
	if err != nil {
		return nil, err
	}
	info, err := c.node.GetAccountInfo(ctx, ata)
	if err == nil && info != nil {
		c.feeAccountReady.Store(true)
		return nil, nil
	}
	if err != nil {
		c.logger.Warn("fee account check failed, attaching create", slog.Any("error", err))
	}
	ix, err := chain.CreateTokenAccountIdempotent(c.Authority(), c.Authority(), c.builder.Mint)
	if err != nil {
		return nil, err
	}
	feeAccountCreates.Inc()
	return []chain.Instruction{ix}, nil
}

// OrderRef identifies an on-ledger order account.
type OrderRef struct {
	Owner         chain.PublicKey
	ClientOrderID uint64
}

// CancelOrdersByRelayer force-cancels resting on-ledger orders of a
// market whose trading has closed. Results align with orders.
func (c *Client) CancelOrdersByRelayer(ctx context.Context, market chain.PublicKey, orders []OrderRef) []Result {
	items := make([][]chain.Instruction, len(orders))
	for i, o := range orders {
		ix, err := c.builder.CancelOrderByRelayer(market, o.Owner, o.ClientOrderID)
		if err != nil {
			res := make([]Result, len(orders))
			for j := range res {
				res[j] = Result{Kind: KindFatal, Err: err}
			}
			return res
		}
		items[i] = []chain.Instruction{ix}
	}
	res, _ := c.submitItems(ctx, OpCancelOrders, nil, items, c.cfg.MaxBatch)
	return res
}

// AccountExists reports whether addr holds an account.
func (c *Client) AccountExists(ctx context.Context, addr chain.PublicKey) (bool, error) {
	info, err := c.node.GetAccountInfo(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("relayer: account info %s: %w", addr, err)
	}
	return info != nil, nil
}

// AccountsExist is AccountExists for many addresses, aligned with addrs.
func (c *Client) AccountsExist(ctx context.Context, addrs []chain.PublicKey) ([]bool, error) {
	infos, err := c.node.GetMultipleAccounts(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("relayer: multiple accounts: %w", err)
	}
	out := make([]bool, len(infos))
	for i, info := range infos {
		out[i] = info != nil
	}
	return out, nil
}

// FetchMarket decodes the on-ledger market account. ok is false when the
// account does not exist.
func (c *Client) FetchMarket(ctx context.Context, market chain.PublicKey) (chain.MarketAccount, bool, error) {
	info, err := c.node.GetAccountInfo(ctx, market)
	if err != nil {
		return chain.MarketAccount{}, false, fmt.Errorf("relayer: fetch market %s: %w", market, err)
	}
	if info == nil {
		return chain.MarketAccount{}, false, nil
	}
	acct, err := chain.DecodeMarketAccount(info.Data)
	if err != nil {
		return chain.MarketAccount{}, false, err
	}
	return acct, true, nil
}

// PositionAddress derives the position account of owner in market.
func (c *Client) PositionAddress(market, owner chain.PublicKey) (chain.PublicKey, error) {
	return c.builder.Position(market, owner)
}

// MarketAddress derives the market account for a slot.
func (c *Client) MarketAddress(asset domain.Asset, tf domain.Timeframe, expiry time.Time) (chain.PublicKey, error) {
	return c.builder.Market(string(asset), string(tf), expiry)
}
