package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
	"github.com/alanyoungcy/marketkeeper/internal/testutil"
)

type harness struct {
	markets     *testutil.MarketStore
	positions   *testutil.PositionStore
	users       *testutil.UserStore
	settlements *testutil.SettlementStore
	ledger      *testutil.Ledger
	events      *testutil.EventRecorder
	pipeline    *Pipeline
	market      domain.Market
	marketPK    chain.PublicKey
}

func wallet(i int) chain.PublicKey {
	var pk chain.PublicKey
	pk[0] = byte(i + 1)
	pk[31] = 0x42
	return pk
}

// newHarness builds a resolved YES market with n positions. Even-indexed
// users hold YES, odd-indexed hold NO; every user has a wallet and an
// on-ledger position account.
func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	h := &harness{
		ledger:      testutil.NewLedger(),
		settlements: testutil.NewSettlementStore(),
		events:      &testutil.EventRecorder{},
		users:       &testutil.UserStore{Wallets: map[string]string{}},
	}
	expiry := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	pk, err := h.ledger.MarketAddress(domain.AssetBTC, domain.Timeframe5m, expiry)
	require.NoError(t, err)
	h.marketPK = pk
	h.ledger.PutMarket(pk, chain.MarketAccount{Status: chain.LedgerMarketResolved})

	h.market = domain.Market{
		ID: "m1", Address: pk.String(), Asset: domain.AssetBTC, Timeframe: domain.Timeframe5m,
		StrikePrice: 100 * domain.PriceScale, ExpiryAt: expiry,
		Status: domain.MarketStatusResolved, Outcome: domain.OutcomeYes,
	}
	h.markets = testutil.NewMarketStore(h.market)

	var ps []domain.Position
	for i := 0; i < n; i++ {
		user := fmt.Sprintf("u%02d", i)
		p := domain.Position{ID: fmt.Sprintf("p%02d", i), MarketID: "m1", UserID: user, TotalCost: 400_000}
		if i%2 == 0 {
			p.YesShares = 1_000_000
		} else {
			p.NoShares = 1_000_000
		}
		ps = append(ps, p)
		h.users.Wallets[user] = wallet(i).String()
		h.ledger.OpenPosition(pk, wallet(i))
	}
	h.positions = testutil.NewPositionStore(ps...)
	h.pipeline = New(h.markets, h.positions, h.users, h.settlements, h.ledger, h.events,
		Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func TestCompute(t *testing.T) {
	pos := domain.Position{ID: "p", YesShares: 2_500_000, NoShares: 1_000_000, TotalCost: 1_750_000}
	yes := Compute(pos, domain.OutcomeYes)
	assert.Equal(t, int64(2_500_000), yes.Payout)
	assert.Equal(t, int64(750_000), yes.Profit)

	no := Compute(pos, domain.OutcomeNo)
	assert.Equal(t, int64(1_000_000), no.WinningShares)
	assert.Equal(t, int64(-750_000), no.Profit)
}

func TestSettleThenRerunIsNoop(t *testing.T) {
	h := newHarness(t, 3)
	delete(h.users.Wallets, "u02") // settled without a ledger call
	ctx := context.Background()

	rep, err := h.pipeline.Settle(ctx, h.market)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Confirmed)
	assert.True(t, rep.Complete)
	assert.Equal(t, 1, h.ledger.CallCount(relayer.OpSettlePositions))
	assert.Equal(t, domain.MarketStatusSettled, h.markets.Get("m1").Status)
	assert.Equal(t, 3, h.events.Count(domain.EventPositionSettled))

	p0 := h.positions.Get("p00")
	assert.Equal(t, domain.PositionStatusSettled, p0.Status)
	assert.Equal(t, int64(600_000), p0.RealizedPnL)
	assert.Equal(t, int64(-400_000), h.positions.Get("p01").RealizedPnL)
	assert.False(t, h.ledger.HasPosition(h.marketPK, wallet(0)))

	rep, err = h.pipeline.Settle(ctx, h.market)
	require.NoError(t, err)
	assert.Zero(t, rep.Confirmed)
	assert.Equal(t, 1, h.ledger.CallCount(relayer.OpSettlePositions))
	assert.Equal(t, 3, h.settlements.Count(domain.SettlementConfirmed))
	assert.Equal(t, 3, h.events.Count(domain.EventPositionSettled))
}

func TestChunkFailureIsolated(t *testing.T) {
	h := newHarness(t, 12)
	h.ledger.FailChunks[1] = relayer.Result{Kind: relayer.KindFatal, Err: errors.New("custom program error: 0x1771")}
	ctx := context.Background()

	rep, err := h.pipeline.Settle(ctx, h.market)
	require.NoError(t, err)
	assert.Equal(t, 3, h.ledger.CallCount(relayer.OpSettlePositions))
	assert.Equal(t, 7, rep.Confirmed)
	assert.Equal(t, 5, rep.Failed)
	assert.False(t, rep.Complete)
	assert.Equal(t, domain.MarketStatusResolved, h.markets.Get("m1").Status)

	for i := 0; i < 12; i++ {
		rec, ok := h.settlements.ByPosition(fmt.Sprintf("p%02d", i))
		require.True(t, ok)
		if i >= 5 && i < 10 {
			assert.Equal(t, domain.SettlementFailed, rec.Status, "position %d", i)
			assert.Equal(t, domain.PositionStatusOpen, h.positions.Get(rec.PositionID).Status)
		} else {
			assert.Equal(t, domain.SettlementConfirmed, rec.Status, "position %d", i)
			assert.NotEmpty(t, rec.TxSignature)
		}
	}

	// The next sweep retries the failed records, reusing them.
	delete(h.ledger.FailChunks, 1)
	require.NoError(t, h.pipeline.Sweep(ctx))
	assert.Equal(t, 12, h.settlements.Count(domain.SettlementConfirmed))
	assert.Len(t, h.settlements.Records, 12)
	assert.Equal(t, domain.MarketStatusSettled, h.markets.Get("m1").Status)
	assert.Equal(t, 4, h.ledger.CallCount(relayer.OpSettlePositions))
}

func TestDriftReconciledByPositionAccount(t *testing.T) {
	h := newHarness(t, 4)
	// Owner 1's settlement landed in a run whose result was lost.
	addr, err := h.ledger.PositionAddress(h.marketPK, wallet(1))
	require.NoError(t, err)
	delete(h.ledger.Positions, addr)
	h.ledger.SettleChunk = 4

	rep, err := h.pipeline.Settle(context.Background(), h.market)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Equal(t, 3, rep.Failed)

	rec, _ := h.settlements.ByPosition("p01")
	assert.Equal(t, domain.SettlementConfirmed, rec.Status)
	rec, _ = h.settlements.ByPosition("p00")
	assert.Equal(t, domain.SettlementFailed, rec.Status)
}

func TestReconcileStalePending(t *testing.T) {
	h := newHarness(t, 2)
	old := time.Now().UTC().Add(-time.Hour)
	h.settlements.Put(domain.Settlement{ID: "s0", PositionID: "p00", MarketID: "m1", UserID: "u00",
		Outcome: domain.OutcomeYes, Payout: 1_000_000, Profit: 600_000, Status: domain.SettlementPending, UpdatedAt: old})
	h.settlements.Put(domain.Settlement{ID: "s1", PositionID: "p01", MarketID: "m1", UserID: "u01",
		Outcome: domain.OutcomeYes, Profit: -400_000, Status: domain.SettlementPending, UpdatedAt: old})
	addr, err := h.ledger.PositionAddress(h.marketPK, wallet(0))
	require.NoError(t, err)
	delete(h.ledger.Positions, addr)

	require.NoError(t, h.pipeline.Reconcile(context.Background()))

	rec, _ := h.settlements.ByPosition("p00")
	assert.Equal(t, domain.SettlementConfirmed, rec.Status)
	assert.Equal(t, domain.PositionStatusSettled, h.positions.Get("p00").Status)
	assert.Equal(t, int64(600_000), h.positions.Get("p00").RealizedPnL)

	rec, _ = h.settlements.ByPosition("p01")
	assert.Equal(t, domain.SettlementFailed, rec.Status)
	assert.Zero(t, h.ledger.CallCount(relayer.OpSettlePositions))
}

func TestExecuteBusy(t *testing.T) {
	h := newHarness(t, 1)
	release, ok := h.pipeline.guard.TryAcquire("m1")
	require.True(t, ok)
	defer release()

	b, err := h.pipeline.Prepare(context.Background(), "m1")
	require.NoError(t, err)
	_, err = h.pipeline.Execute(context.Background(), b, h.market)
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, h.pipeline.Settling("m1"))
}
