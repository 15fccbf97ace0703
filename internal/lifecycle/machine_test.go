package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
	"github.com/alanyoungcy/marketkeeper/internal/settlement"
	"github.com/alanyoungcy/marketkeeper/internal/testutil"
)

type fakePrices struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (f *fakePrices) set(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = decimal.RequireFromString(s)
}

func (f *fakePrices) read(asset domain.Asset) (domain.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.PricePoint{}, f.err
	}
	return domain.PricePoint{Asset: asset, Price: f.price, At: time.Now(), Source: "test"}, nil
}

func (f *fakePrices) ActivationPrice(_ context.Context, a domain.Asset) (domain.PricePoint, error) {
	return f.read(a)
}

func (f *fakePrices) ResolutionPrice(_ context.Context, a domain.Asset) (domain.PricePoint, error) {
	return f.read(a)
}

type fakeBook struct {
	mu      sync.Mutex
	cleared []string
}

func (b *fakeBook) Clear(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared = append(b.cleared, id)
	return nil
}

type fakeExporter struct {
	mu       sync.Mutex
	exported map[string]int
}

func (e *fakeExporter) ExportMarket(_ context.Context, m domain.Market, recs []domain.Settlement) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exported[m.ID] = len(recs)
	return nil
}

type harness struct {
	clock       time.Time
	markets     *testutil.MarketStore
	positions   *testutil.PositionStore
	users       *testutil.UserStore
	orders      *testutil.OrderStore
	settlements *testutil.SettlementStore
	ledger      *testutil.Ledger
	events      *testutil.EventRecorder
	prices      *fakePrices
	book        *fakeBook
	exporter    *fakeExporter
	machine     *Machine
}

var slot = time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg Config, ps ...domain.Position) *harness {
	t.Helper()
	h := &harness{
		clock:       slot.Add(-4 * time.Minute),
		markets:     testutil.NewMarketStore(),
		positions:   testutil.NewPositionStore(ps...),
		users:       &testutil.UserStore{Wallets: map[string]string{}},
		orders:      testutil.NewOrderStore(),
		settlements: testutil.NewSettlementStore(),
		ledger:      testutil.NewLedger(),
		events:      &testutil.EventRecorder{},
		prices:      &fakePrices{},
		book:        &fakeBook{},
		exporter:    &fakeExporter{exported: map[string]int{}},
	}
	h.prices.set("100")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	settler := settlement.New(h.markets, h.positions, h.users, h.settlements, h.ledger, h.events,
		settlement.Config{}, logger)
	if cfg.VerifyBackoff == 0 {
		cfg.VerifyBackoff = time.Millisecond
	}
	h.machine = New(Deps{
		Markets:     h.markets,
		Positions:   h.positions,
		Orders:      h.orders,
		Settlements: h.settlements,
		Book:        h.book,
		Ledger:      h.ledger,
		Prices:      h.prices,
		Settler:     settler,
		Exporter:    h.exporter,
		Events:      h.events,
	}, cfg, logger)
	h.machine.now = func() time.Time { return h.clock }
	return h
}

// market seeds a BTC 5m market expiring at slot in both the store and the
// ledger.
func (h *harness) market(t *testing.T, id string, status domain.MarketStatus) (domain.Market, chain.PublicKey) {
	t.Helper()
	pk, res := h.ledger.InitializeMarket(context.Background(), domain.AssetBTC, domain.Timeframe5m, slot)
	require.True(t, res.Applied())
	m := domain.Market{
		ID: id, Address: pk.String(), Asset: domain.AssetBTC, Timeframe: domain.Timeframe5m,
		StartAt: slot.Add(-5 * time.Minute), ExpiryAt: slot, Status: status,
	}
	if status != domain.MarketStatusPendingActivation {
		m.StrikePrice = 100 * domain.PriceScale
		acct, _ := h.ledger.Market(pk)
		acct.Status = chain.LedgerMarketOpen
		acct.StrikePrice = uint64(m.StrikePrice)
		h.ledger.PutMarket(pk, acct)
	}
	require.NoError(t, h.markets.Create(context.Background(), m))
	return m, pk
}

func TestCreateWaitsForLedgerVisibility(t *testing.T) {
	h := newHarness(t, Config{
		Assets:     []domain.Asset{domain.AssetBTC},
		Timeframes: []domain.Timeframe{domain.Timeframe5m},
	})
	h.clock = time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
	h.ledger.CreateLag = 2

	require.NoError(t, h.machine.Create(context.Background()))
	list, _ := h.markets.ListByStatus(context.Background(), domain.MarketStatusPendingActivation, 0)
	require.Len(t, list, 2)
	assert.Equal(t, slot, list[0].ExpiryAt)
	assert.Equal(t, slot.Add(-5*time.Minute), list[0].StartAt)
	assert.Equal(t, slot.Add(5*time.Minute), list[1].ExpiryAt)

	require.NoError(t, h.machine.Create(context.Background()))
	assert.Equal(t, 2, h.ledger.CallCount(relayer.OpInitializeMarket))
}

func TestCreateSkipsSlotsInsideMinLead(t *testing.T) {
	h := newHarness(t, Config{
		Assets:     []domain.Asset{domain.AssetBTC},
		Timeframes: []domain.Timeframe{domain.Timeframe5m},
		Lookahead:  1,
	})
	h.clock = slot.Add(-30 * time.Second)
	require.NoError(t, h.machine.Create(context.Background()))
	assert.Zero(t, h.ledger.CallCount(relayer.OpInitializeMarket))
}

func TestCreateNeverStoresInvisibleMarket(t *testing.T) {
	h := newHarness(t, Config{
		Assets:         []domain.Asset{domain.AssetBTC},
		Timeframes:     []domain.Timeframe{domain.Timeframe5m},
		Lookahead:      1,
		VerifyAttempts: 3,
	})
	h.clock = time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
	h.ledger.CreateLag = 10

	require.Error(t, h.machine.Create(context.Background()))
	counts, _ := h.markets.CountByStatus(context.Background())
	assert.Empty(t, counts)
}

func TestCreateSkipsAssetWithoutPrice(t *testing.T) {
	h := newHarness(t, Config{
		Assets:     []domain.Asset{domain.AssetBTC},
		Timeframes: []domain.Timeframe{domain.Timeframe5m},
	})
	h.prices.err = domain.ErrNoPrice
	require.NoError(t, h.machine.Create(context.Background()))
	assert.Zero(t, h.ledger.CallCount(relayer.OpInitializeMarket))
}

func TestActivateTwiceKeepsStrike(t *testing.T) {
	h := newHarness(t, Config{})
	m, pk := h.market(t, "m1", domain.MarketStatusPendingActivation)
	h.prices.set("64123.456789012")

	require.NoError(t, h.machine.Activate(context.Background()))
	got := h.markets.Get("m1")
	assert.Equal(t, domain.MarketStatusOpen, got.Status)
	assert.Equal(t, int64(6_412_345_678_901), got.StrikePrice)

	h.prices.set("70000")
	require.NoError(t, h.machine.ActivateMarket(context.Background(), m))
	assert.Equal(t, int64(6_412_345_678_901), h.markets.Get("m1").StrikePrice)
	acct, _ := h.ledger.Market(pk)
	assert.Equal(t, uint64(6_412_345_678_901), acct.StrikePrice)
	assert.Equal(t, 1, h.events.Count(domain.EventMarketActivated))
}

func TestActivateAdoptsLedgerStrike(t *testing.T) {
	h := newHarness(t, Config{})
	_, pk := h.market(t, "m1", domain.MarketStatusPendingActivation)
	// A previous run activated on-ledger and crashed before the local write.
	acct, _ := h.ledger.Market(pk)
	acct.Status = chain.LedgerMarketOpen
	acct.StrikePrice = 99 * domain.PriceScale
	h.ledger.PutMarket(pk, acct)

	require.NoError(t, h.machine.Activate(context.Background()))
	got := h.markets.Get("m1")
	assert.Equal(t, domain.MarketStatusOpen, got.Status)
	assert.Equal(t, int64(99*domain.PriceScale), got.StrikePrice)
}

func TestActivateMissingAccountArchives(t *testing.T) {
	h := newHarness(t, Config{})
	_, pk := h.market(t, "m1", domain.MarketStatusPendingActivation)
	delete(h.ledger.Markets, pk)

	require.NoError(t, h.machine.Activate(context.Background()))
	got := h.markets.Get("m1")
	assert.Equal(t, domain.MarketStatusArchived, got.Status)
	require.NotNil(t, got.ArchivedAt)
	assert.Equal(t, h.clock, *got.ArchivedAt)
}

func TestResolveMissingAccountArchives(t *testing.T) {
	h := newHarness(t, Config{}, domain.Position{ID: "p1", MarketID: "m1", UserID: "u1", YesShares: 1_000_000})
	_, pk := h.market(t, "m1", domain.MarketStatusClosed)
	delete(h.ledger.Markets, pk)
	h.clock = slot
	h.prices.set("101")

	require.NoError(t, h.machine.ResolveDue(context.Background()))
	got := h.markets.Get("m1")
	assert.Equal(t, domain.MarketStatusArchived, got.Status)
	require.NotNil(t, got.ArchivedAt)
	assert.Equal(t, slot, *got.ArchivedAt)
	assert.Equal(t, domain.OutcomeUnset, got.Outcome)
}

func TestResolveBoundaryIsStrict(t *testing.T) {
	for _, tc := range []struct {
		final   string
		outcome domain.Outcome
	}{
		{"100.00000001", domain.OutcomeYes},
		{"100", domain.OutcomeNo},
		{"99.99999999", domain.OutcomeNo},
	} {
		t.Run(tc.final, func(t *testing.T) {
			h := newHarness(t, Config{}, domain.Position{ID: "p1", MarketID: "m1", UserID: "u1", YesShares: 1_000_000})
			_, pk := h.market(t, "m1", domain.MarketStatusOpen)
			h.clock = slot
			h.prices.set(tc.final)

			require.NoError(t, h.machine.ResolveDue(context.Background()))
			got := h.markets.Get("m1")
			assert.Equal(t, tc.outcome, got.Outcome)
			assert.Equal(t, domain.ToFixed(decimal.RequireFromString(tc.final)), got.FinalPrice)
			acct, _ := h.ledger.Market(pk)
			assert.Equal(t, testutil.AccountOutcome(tc.outcome), acct.Outcome)
			// u1 has no wallet, so the position settles off-ledger.
			assert.Equal(t, domain.MarketStatusSettled, got.Status)
		})
	}
}

func TestResolveEmptyMarketSkipsLedger(t *testing.T) {
	h := newHarness(t, Config{})
	h.market(t, "m1", domain.MarketStatusOpen)
	h.clock = slot.Add(time.Second)

	require.NoError(t, h.machine.ResolveDue(context.Background()))
	assert.Zero(t, h.ledger.CallCount(relayer.OpResolveMarket))
	assert.Equal(t, 1, h.ledger.CallCount(relayer.OpCloseMarket))
	got := h.markets.Get("m1")
	assert.Equal(t, domain.MarketStatusArchived, got.Status)
	assert.Equal(t, domain.OutcomeNo, got.Outcome)
	assert.Contains(t, h.exporter.exported, "m1")
	assert.Equal(t, 1, h.events.Count(domain.EventMarketResolved))
}

func TestResolveAdoptsLedgerOutcome(t *testing.T) {
	h := newHarness(t, Config{}, domain.Position{ID: "p1", MarketID: "m1", UserID: "u1", NoShares: 1_000_000})
	_, pk := h.market(t, "m1", domain.MarketStatusClosed)
	acct, _ := h.ledger.Market(pk)
	acct.Status = chain.LedgerMarketResolved
	acct.Outcome = chain.LedgerOutcomeNo
	acct.FinalPrice = 98 * domain.PriceScale
	h.ledger.PutMarket(pk, acct)
	h.clock = slot
	h.prices.set("101")

	require.NoError(t, h.machine.ResolveDue(context.Background()))
	got := h.markets.Get("m1")
	assert.Equal(t, domain.OutcomeNo, got.Outcome)
	assert.Equal(t, int64(98*domain.PriceScale), got.FinalPrice)
}

func TestResolveReadsAccountOutcomeEncoding(t *testing.T) {
	h := newHarness(t, Config{}, domain.Position{ID: "p1", MarketID: "m1", UserID: "u1", YesShares: 1_000_000})
	_, pk := h.market(t, "m1", domain.MarketStatusClosed)
	acct, _ := h.ledger.Market(pk)
	acct.Status = chain.LedgerMarketResolved
	acct.Outcome = chain.LedgerOutcome(1)
	acct.FinalPrice = 101 * domain.PriceScale
	h.ledger.PutMarket(pk, acct)
	h.clock = slot
	// The local price disagrees; the stored ledger result wins.
	h.prices.set("99")

	require.NoError(t, h.machine.ResolveDue(context.Background()))
	got := h.markets.Get("m1")
	assert.Equal(t, domain.OutcomeYes, got.Outcome)
	assert.Equal(t, int64(101*domain.PriceScale), got.FinalPrice)
	rec, ok := h.settlements.ByPosition("p1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeYes, rec.Outcome)
	assert.Equal(t, int64(1_000_000), rec.Payout)
}

func TestResolveRejectsPendingLedgerOutcome(t *testing.T) {
	h := newHarness(t, Config{}, domain.Position{ID: "p1", MarketID: "m1", UserID: "u1", YesShares: 1_000_000})
	_, pk := h.market(t, "m1", domain.MarketStatusClosed)
	acct, _ := h.ledger.Market(pk)
	acct.Status = chain.LedgerMarketResolved
	acct.Outcome = chain.LedgerOutcomePending
	h.ledger.PutMarket(pk, acct)
	h.clock = slot
	h.prices.set("101")

	require.Error(t, h.machine.Resolve(context.Background(), h.markets.Get("m1")))
	got := h.markets.Get("m1")
	assert.Equal(t, domain.MarketStatusClosed, got.Status)
	assert.Equal(t, domain.OutcomeUnset, got.Outcome)
}

func TestConcurrentResolveIsGuarded(t *testing.T) {
	h := newHarness(t, Config{}, domain.Position{ID: "p1", MarketID: "m1", UserID: "u1", YesShares: 1_000_000})
	m, _ := h.market(t, "m1", domain.MarketStatusClosed)
	h.clock = slot

	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.ledger.BeforeResolve = func(chain.PublicKey) {
		close(entered)
		<-unblock
	}

	done := make(chan error, 1)
	go func() { done <- h.machine.Resolve(context.Background(), m) }()
	<-entered
	assert.True(t, h.machine.Busy("m1"))
	assert.ErrorIs(t, h.machine.Resolve(context.Background(), m), ErrBusy)
	close(unblock)
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.ledger.CallCount(relayer.OpResolveMarket))
	assert.Equal(t, domain.MarketStatusSettled, h.markets.Get("m1").Status)
	assert.False(t, h.machine.Busy("m1"))
}

func TestCloseCancelsOrdersAndClearsBook(t *testing.T) {
	h := newHarness(t, Config{})
	m, _ := h.market(t, "m1", domain.MarketStatusOpen)
	coid := uint64(7)
	owner := chain.PublicKey{1, 2, 3}.String()
	h.orders = testutil.NewOrderStore(
		domain.Order{ID: "o1", MarketID: "m1", Status: domain.OrderStatusOpen, Owner: owner, ClientOrderID: &coid},
		domain.Order{ID: "o2", MarketID: "m1", Status: domain.OrderStatusPartial},
		domain.Order{ID: "o3", MarketID: "m1", Status: domain.OrderStatusFilled},
	)
	h.machine.Orders = h.orders

	require.NoError(t, h.machine.Close(context.Background(), m))
	assert.Equal(t, domain.MarketStatusClosed, h.markets.Get("m1").Status)
	assert.Equal(t, domain.OrderStatusCancelled, h.orders.Get("o1").Status)
	assert.True(t, h.orders.Get("o1").LedgerClosed)
	assert.Equal(t, domain.OrderStatusCancelled, h.orders.Get("o2").Status)
	assert.Equal(t, domain.OrderStatusFilled, h.orders.Get("o3").Status)
	assert.Equal(t, []string{"m1"}, h.book.cleared)
	assert.Equal(t, 1, h.ledger.CallCount(relayer.OpCancelOrders))

	require.NoError(t, h.machine.Close(context.Background(), m))
	assert.Equal(t, 1, h.events.Count(domain.EventMarketClosed))
	assert.Equal(t, 1, h.ledger.CallCount(relayer.OpCancelOrders))
}

func TestArchiveRefusedCloseStaysSettled(t *testing.T) {
	h := newHarness(t, Config{})
	_, pk := h.market(t, "m1", domain.MarketStatusOpen)
	h.ledger.Refuse[pk] = true
	h.clock = slot

	require.NoError(t, h.machine.ResolveDue(context.Background()))
	assert.Equal(t, domain.MarketStatusSettled, h.markets.Get("m1").Status)

	h.clock = slot.Add(5 * time.Minute)
	require.NoError(t, h.machine.Archive(context.Background()))
	assert.Equal(t, 1, h.ledger.CallCount(relayer.OpCloseMarket), "inside the grace period")

	h.clock = slot.Add(11 * time.Minute)
	require.NoError(t, h.machine.Archive(context.Background()))
	assert.Equal(t, domain.MarketStatusSettled, h.markets.Get("m1").Status)

	delete(h.ledger.Refuse, pk)
	require.NoError(t, h.machine.Archive(context.Background()))
	assert.Equal(t, domain.MarketStatusArchived, h.markets.Get("m1").Status)
	assert.Contains(t, h.exporter.exported, "m1")
}

func TestExpiredPendingSettlesEmpty(t *testing.T) {
	h := newHarness(t, Config{})
	h.market(t, "m1", domain.MarketStatusPendingActivation)
	h.clock = slot.Add(time.Minute)

	require.NoError(t, h.machine.ResolveDue(context.Background()))
	assert.Equal(t, domain.MarketStatusArchived, h.markets.Get("m1").Status)
	assert.Zero(t, h.ledger.CallCount(relayer.OpActivateMarket))
}
