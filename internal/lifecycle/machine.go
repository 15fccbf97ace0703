// Package lifecycle drives markets through creation, activation, close,
// resolution and archival, keeping the local store in step with the
// ledger. Every step tolerates being run more than once for the same
// market.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/inflight"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
	"github.com/alanyoungcy/marketkeeper/internal/settlement"
)

// ErrBusy is returned when another step is already working on the market.
var ErrBusy = errors.New("lifecycle: market busy")

// Ledger is the subset of the relayer the state machine uses.
type Ledger interface {
	MarketAddress(asset domain.Asset, tf domain.Timeframe, expiry time.Time) (chain.PublicKey, error)
	InitializeMarket(ctx context.Context, asset domain.Asset, tf domain.Timeframe, expiry time.Time) (chain.PublicKey, relayer.Result)
	ActivateMarket(ctx context.Context, market chain.PublicKey, strike uint64) relayer.Result
	ActivateMarkets(ctx context.Context, acts []relayer.Activation) []relayer.Result
	ResolveMarket(ctx context.Context, market chain.PublicKey, outcome domain.Outcome, finalPrice uint64) relayer.Result
	CloseMarkets(ctx context.Context, markets []chain.PublicKey) []relayer.Result
	CancelOrdersByRelayer(ctx context.Context, market chain.PublicKey, orders []relayer.OrderRef) []relayer.Result
	AccountExists(ctx context.Context, addr chain.PublicKey) (bool, error)
	FetchMarket(ctx context.Context, market chain.PublicKey) (chain.MarketAccount, bool, error)
}

// Prices supplies strike and resolution prices.
type Prices interface {
	ActivationPrice(ctx context.Context, asset domain.Asset) (domain.PricePoint, error)
	ResolutionPrice(ctx context.Context, asset domain.Asset) (domain.PricePoint, error)
}

// Book is the orderbook cache of a market.
type Book interface {
	Clear(ctx context.Context, marketID string) error
}

// Settler pays out a resolved market.
type Settler interface {
	Prepare(ctx context.Context, marketID string) (*settlement.Batch, error)
	Execute(ctx context.Context, b *settlement.Batch, m domain.Market) (settlement.Report, error)
}

// Exporter writes an archived market to cold storage.
type Exporter interface {
	ExportMarket(ctx context.Context, m domain.Market, settlements []domain.Settlement) error
}

// Deps are the collaborators of a Machine. Events and Exporter may be nil.
type Deps struct {
	Markets     domain.MarketStore
	Positions   domain.PositionStore
	Orders      domain.OrderStore
	Settlements domain.SettlementStore
	Book        Book
	Ledger      Ledger
	Prices      Prices
	Settler     Settler
	Exporter    Exporter
	Events      domain.EventSink
}

// Config tunes the state machine.
type Config struct {
	Assets     []domain.Asset
	Timeframes []domain.Timeframe
	// Lookahead is how many future expiry slots are kept created per pair.
	Lookahead int
	// MinLead skips slots expiring sooner than this; the program rejects them.
	MinLead        time.Duration
	VerifyAttempts int
	VerifyBackoff  time.Duration
	ArchiveGrace   time.Duration
	BatchLimit     int
	Concurrency    int
}

func (c *Config) applyDefaults() {
	if c.Lookahead <= 0 {
		c.Lookahead = 2
	}
	if c.MinLead <= 0 {
		c.MinLead = 60 * time.Second
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 5
	}
	if c.VerifyBackoff <= 0 {
		c.VerifyBackoff = 500 * time.Millisecond
	}
	if c.ArchiveGrace <= 0 {
		c.ArchiveGrace = 10 * time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
}

// Machine is the market state machine.
type Machine struct {
	Deps
	cfg    Config
	guard  *inflight.Guard
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a Machine.
func New(d Deps, cfg Config, logger *slog.Logger) *Machine {
	cfg.applyDefaults()
	return &Machine{
		Deps:   d,
		cfg:    cfg,
		guard:  inflight.New(),
		logger: logger.With(slog.String("component", "lifecycle")),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Busy reports whether a step currently holds the market.
func (s *Machine) Busy(marketID string) bool {
	return s.guard.Held(marketID)
}

func (s *Machine) marketLog(m domain.Market) *slog.Logger {
	return s.logger.With(slog.String("market_id", m.ID), slog.String("market_address", m.Address))
}

func marketKey(m domain.Market) (chain.PublicKey, error) {
	pk, err := chain.ParsePublicKey(m.Address)
	if err != nil {
		return chain.PublicKey{}, fmt.Errorf("lifecycle: market %s address %q: %w", m.ID, m.Address, err)
	}
	return pk, nil
}

// fanOut runs fn for every market with bounded concurrency. One market's
// error never stops the others; ErrBusy is not an error.
func (s *Machine) fanOut(ctx context.Context, step string, markets []domain.Market, fn func(context.Context, domain.Market) error) error {
	errs := make([]error, len(markets))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, m := range markets {
		g.Go(func() error {
			err := fn(ctx, m)
			if err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, settlement.ErrBusy) {
				stepErrors.WithLabelValues(step).Inc()
				s.marketLog(m).Error(step+" failed", slog.String("error", err.Error()))
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Machine) emit(ctx context.Context, t domain.EventType, m domain.Market, data map[string]string) {
	transitions.WithLabelValues(string(t)).Inc()
	if s.Events == nil {
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	data["asset"] = string(m.Asset)
	data["timeframe"] = string(m.Timeframe)
	data["market_address"] = m.Address
	s.Events.Emit(ctx, domain.Event{Type: t, MarketID: m.ID, At: s.now(), Data: data})
}

// archiveMissing moves a market whose ledger account is gone straight to
// ARCHIVED.
func (s *Machine) archiveMissing(ctx context.Context, m domain.Market, from domain.MarketStatus) error {
	s.marketLog(m).Warn("ledger account missing, archiving local record", slog.String("from", string(from)))
	if _, err := s.Markets.MarkArchived(ctx, m.ID, from, s.now()); err != nil {
		return err
	}
	transitions.WithLabelValues("market.archived_missing").Inc()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
