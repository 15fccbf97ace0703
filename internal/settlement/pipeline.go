// Package settlement pays out resolved markets. Prepare reads everything it
// needs from the store so it can overlap the on-ledger resolve call;
// Execute writes PENDING records, submits the chunked settlement
// transactions and finalizes positions whose records are confirmed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/inflight"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
)

// ErrBusy is returned when another caller is already settling the market.
var ErrBusy = errors.New("settlement: market already settling")

// Ledger is the subset of the relayer used for settlement.
type Ledger interface {
	SettlePositionsBatch(ctx context.Context, market chain.PublicKey, owners []chain.PublicKey) []relayer.ChunkResult
	AccountsExist(ctx context.Context, addrs []chain.PublicKey) ([]bool, error)
	PositionAddress(market, owner chain.PublicKey) (chain.PublicKey, error)
}

// Config tunes the sweep.
type Config struct {
	StaleAfter  time.Duration
	SweepLimit  int
	Concurrency int
}

// Pipeline settles resolved markets.
type Pipeline struct {
	markets     domain.MarketStore
	positions   domain.PositionStore
	users       domain.UserStore
	settlements domain.SettlementStore
	ledger      Ledger
	events      domain.EventSink
	guard       *inflight.Guard
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Pipeline. events may be nil.
func New(
	markets domain.MarketStore,
	positions domain.PositionStore,
	users domain.UserStore,
	settlements domain.SettlementStore,
	ledger Ledger,
	events domain.EventSink,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Pipeline{
		markets:     markets,
		positions:   positions,
		users:       users,
		settlements: settlements,
		ledger:      ledger,
		events:      events,
		guard:       inflight.New(),
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "settlement")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Batch is the store-side input of one market's settlement.
type Batch struct {
	MarketID  string
	Positions []domain.Position
	Wallets   map[string]string            // user id -> payout wallet
	Existing  map[string]domain.Settlement // position id -> record
}

// Report summarizes one Execute call.
type Report struct {
	Confirmed int
	Failed    int
	Pending   int
	// Complete is true when every position of the market is settled.
	Complete bool
}

// Prepare loads the unsettled positions of a market, their owners' payout
// wallets and any records left by earlier attempts. It does no ledger I/O.
func (p *Pipeline) Prepare(ctx context.Context, marketID string) (*Batch, error) {
	positions, err := p.positions.ListUnsettled(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement: prepare %s: %w", marketID, err)
	}
	userIDs := make([]string, 0, len(positions))
	seen := make(map[string]struct{}, len(positions))
	for _, pos := range positions {
		if _, ok := seen[pos.UserID]; !ok {
			seen[pos.UserID] = struct{}{}
			userIDs = append(userIDs, pos.UserID)
		}
	}
	wallets, err := p.users.PayoutAddresses(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("settlement: prepare %s wallets: %w", marketID, err)
	}
	records, err := p.settlements.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement: prepare %s records: %w", marketID, err)
	}
	existing := make(map[string]domain.Settlement, len(records))
	for _, r := range records {
		existing[r.PositionID] = r
	}
	return &Batch{MarketID: marketID, Positions: positions, Wallets: wallets, Existing: existing}, nil
}

// Settle prepares and executes one resolved market.
func (p *Pipeline) Settle(ctx context.Context, m domain.Market) (Report, error) {
	release, ok := p.guard.TryAcquire(m.ID)
	if !ok {
		return Report{}, ErrBusy
	}
	defer release()

	b, err := p.Prepare(ctx, m.ID)
	if err != nil {
		return Report{}, err
	}
	return p.execute(ctx, b, m)
}

// Execute settles a prepared batch. m must carry the market's outcome.
func (p *Pipeline) Execute(ctx context.Context, b *Batch, m domain.Market) (Report, error) {
	release, ok := p.guard.TryAcquire(m.ID)
	if !ok {
		return Report{}, ErrBusy
	}
	defer release()
	return p.execute(ctx, b, m)
}

// Settling reports whether a market is currently being settled.
func (p *Pipeline) Settling(marketID string) bool {
	return p.guard.Held(marketID)
}

// entry ties a pending record to the owner it pays.
type entry struct {
	rec   domain.Settlement
	owner chain.PublicKey
}

func (p *Pipeline) execute(ctx context.Context, b *Batch, m domain.Market) (Report, error) {
	if m.Outcome != domain.OutcomeYes && m.Outcome != domain.OutcomeNo {
		return Report{}, fmt.Errorf("settlement: market %s has no outcome", m.ID)
	}
	log := p.logger.With(slog.String("market_id", m.ID), slog.String("market_address", m.Address))
	market, err := chain.ParsePublicKey(m.Address)
	if err != nil {
		return Report{}, fmt.Errorf("settlement: market %s address: %w", m.ID, err)
	}

	var rep Report
	var recs []domain.Settlement
	for _, pos := range b.Positions {
		if prev, ok := b.Existing[pos.ID]; ok {
			switch prev.Status {
			case domain.SettlementConfirmed:
				// Record confirmed by an earlier run that died before
				// finalizing the position.
				p.finalize(ctx, prev)
				continue
			case domain.SettlementPending:
				rep.Pending++
				continue
			}
		}
		recs = append(recs, Compute(pos, m.Outcome))
	}

	created, err := p.settlements.CreatePending(ctx, recs)
	if err != nil {
		return rep, fmt.Errorf("settlement: create pending %s: %w", m.ID, err)
	}
	rep.Pending += len(recs) - len(created)
	recordsTotal.WithLabelValues(string(domain.SettlementPending)).Add(float64(len(created)))

	var onLedger []entry
	var offLedger []domain.Settlement
	for _, rec := range created {
		wallet := b.Wallets[rec.UserID]
		if wallet == "" {
			offLedger = append(offLedger, rec)
			continue
		}
		owner, err := chain.ParsePublicKey(wallet)
		if err != nil {
			log.Warn("payout wallet unparseable, settling off-ledger",
				slog.String("user_id", rec.UserID), slog.String("error", err.Error()))
			offLedger = append(offLedger, rec)
			continue
		}
		onLedger = append(onLedger, entry{rec: rec, owner: owner})
	}

	if len(offLedger) > 0 {
		if err := p.mark(ctx, offLedger, domain.SettlementConfirmed, ""); err != nil {
			return rep, err
		}
		rep.Confirmed += len(offLedger)
	}

	if len(onLedger) > 0 {
		owners := make([]chain.PublicKey, len(onLedger))
		for i, e := range onLedger {
			owners[i] = e.owner
		}
		for _, cr := range p.ledger.SettlePositionsBatch(ctx, market, owners) {
			chunk := onLedger[cr.Lo:cr.Hi]
			c, f, err := p.applyChunk(ctx, market, chunk, cr.Result, log)
			rep.Confirmed += c
			rep.Failed += f
			if err != nil {
				return rep, err
			}
		}
	}

	if rep.Failed == 0 && rep.Pending == 0 {
		left, err := p.positions.ListUnsettled(ctx, m.ID)
		if err != nil {
			return rep, fmt.Errorf("settlement: recheck %s: %w", m.ID, err)
		}
		if len(left) == 0 {
			rep.Complete = true
			if _, err := p.markets.MarkSettled(ctx, m.ID, p.now()); err != nil {
				return rep, err
			}
		}
	}
	log.Info("settlement pass done",
		slog.Int("confirmed", rep.Confirmed),
		slog.Int("failed", rep.Failed),
		slog.Int("pending", rep.Pending),
		slog.Bool("complete", rep.Complete))
	return rep, nil
}

// applyChunk records the outcome of one settlement transaction.
func (p *Pipeline) applyChunk(ctx context.Context, market chain.PublicKey, chunk []entry, res relayer.Result, log *slog.Logger) (confirmed, failed int, err error) {
	switch res.Kind {
	case relayer.KindSuccess:
		recs := make([]domain.Settlement, len(chunk))
		for i, e := range chunk {
			recs[i] = e.rec
		}
		return len(recs), 0, p.mark(ctx, recs, domain.SettlementConfirmed, res.Signature)
	case relayer.KindAlreadyApplied, relayer.KindMissingAccount:
		// Part of the chunk may have landed earlier. The position account
		// tells which.
		return p.reconcileEntries(ctx, market, chunk)
	default:
		log.Error("settlement chunk failed",
			slog.String("kind", res.Kind.String()),
			slog.Int("positions", len(chunk)),
			slog.String("error", errString(res.Err)))
		recs := make([]domain.Settlement, len(chunk))
		for i, e := range chunk {
			recs[i] = e.rec
		}
		return 0, len(recs), p.mark(ctx, recs, domain.SettlementFailed, res.Signature)
	}
}

// reconcileEntries confirms entries whose position account is gone and
// fails the rest.
func (p *Pipeline) reconcileEntries(ctx context.Context, market chain.PublicKey, entries []entry) (confirmed, failed int, err error) {
	addrs := make([]chain.PublicKey, len(entries))
	for i, e := range entries {
		addr, err := p.ledger.PositionAddress(market, e.owner)
		if err != nil {
			return 0, 0, fmt.Errorf("settlement: position address: %w", err)
		}
		addrs[i] = addr
	}
	exists, err := p.ledger.AccountsExist(ctx, addrs)
	if err != nil {
		return 0, 0, fmt.Errorf("settlement: check position accounts: %w", err)
	}
	var done, retry []domain.Settlement
	for i, e := range entries {
		if exists[i] {
			retry = append(retry, e.rec)
		} else {
			done = append(done, e.rec)
		}
	}
	if err := p.mark(ctx, done, domain.SettlementConfirmed, ""); err != nil {
		return 0, 0, err
	}
	if err := p.mark(ctx, retry, domain.SettlementFailed, ""); err != nil {
		return len(done), 0, err
	}
	return len(done), len(retry), nil
}

// mark updates record status and, for confirmed records, finalizes the
// positions.
func (p *Pipeline) mark(ctx context.Context, recs []domain.Settlement, status domain.SettlementStatus, sig string) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	if err := p.settlements.UpdateStatus(ctx, ids, status, sig); err != nil {
		return fmt.Errorf("settlement: mark %s: %w", status, err)
	}
	recordsTotal.WithLabelValues(string(status)).Add(float64(len(recs)))
	if status != domain.SettlementConfirmed {
		return nil
	}
	for _, r := range recs {
		if sig != "" {
			r.TxSignature = sig
		}
		p.finalize(ctx, r)
	}
	return nil
}

// finalize freezes the position of a confirmed record and announces it.
// Failures are logged; the next sweep finds the position still open and
// finalizes it from the confirmed record.
func (p *Pipeline) finalize(ctx context.Context, r domain.Settlement) {
	changed, err := p.positions.MarkSettled(ctx, r.PositionID, r.Profit, p.now())
	if err != nil {
		p.logger.Warn("finalize position failed",
			slog.String("position_id", r.PositionID), slog.String("error", err.Error()))
		return
	}
	if !changed || p.events == nil {
		return
	}
	p.events.Emit(ctx, domain.Event{
		Type:     domain.EventPositionSettled,
		MarketID: r.MarketID,
		UserID:   r.UserID,
		At:       p.now(),
		Data: map[string]string{
			"position_id":    r.PositionID,
			"outcome":        string(r.Outcome),
			"winning_shares": strconv.FormatInt(r.WinningShares, 10),
			"payout":         strconv.FormatInt(r.Payout, 10),
			"profit":         strconv.FormatInt(r.Profit, 10),
			"tx_signature":   r.TxSignature,
		},
	})
}

// Compute derives the settlement of a position for outcome. Each winning
// share pays one unit of collateral, so payout equals the winning share
// count at ShareScale.
func Compute(pos domain.Position, outcome domain.Outcome) domain.Settlement {
	win := pos.WinningShares(outcome)
	return domain.Settlement{
		PositionID:    pos.ID,
		MarketID:      pos.MarketID,
		UserID:        pos.UserID,
		Outcome:       outcome,
		WinningShares: win,
		Payout:        win,
		Profit:        win - pos.TotalCost,
		Status:        domain.SettlementPending,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
