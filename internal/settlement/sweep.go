package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// Sweep is the authoritative settlement pass: it reconciles stale PENDING
// records, then settles every RESOLVED market that is not already being
// settled. One market's failure does not stop the others.
func (p *Pipeline) Sweep(ctx context.Context) error {
	var errs []error
	if err := p.Reconcile(ctx); err != nil {
		errs = append(errs, err)
	}

	markets, err := p.markets.ListByStatus(ctx, domain.MarketStatusResolved, p.cfg.SweepLimit)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("settlement: list resolved: %w", err))...)
	}

	results := make([]error, len(markets))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, m := range markets {
		g.Go(func() error {
			_, err := p.Settle(ctx, m)
			if err != nil && !errors.Is(err, ErrBusy) {
				p.logger.Error("settle market failed",
					slog.String("market_id", m.ID), slog.String("error", err.Error()))
				results[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(append(errs, results...)...)
}

// Reconcile resolves PENDING records left by a crash between writing the
// record and recording the transaction result. Settlement closes the
// position account, so a missing account means the payout landed.
func (p *Pipeline) Reconcile(ctx context.Context) error {
	stale, err := p.settlements.ListStalePending(ctx, p.now().Add(-p.cfg.StaleAfter), p.cfg.SweepLimit)
	if err != nil {
		return fmt.Errorf("settlement: list stale pending: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	byMarket := make(map[string][]domain.Settlement)
	var order []string
	for _, r := range stale {
		if _, ok := byMarket[r.MarketID]; !ok {
			order = append(order, r.MarketID)
		}
		byMarket[r.MarketID] = append(byMarket[r.MarketID], r)
	}

	var errs []error
	for _, marketID := range order {
		if err := p.reconcileMarket(ctx, marketID, byMarket[marketID]); err != nil {
			p.logger.Error("reconcile market failed",
				slog.String("market_id", marketID), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) reconcileMarket(ctx context.Context, marketID string, recs []domain.Settlement) error {
	release, ok := p.guard.TryAcquire(marketID)
	if !ok {
		return nil
	}
	defer release()

	m, err := p.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("settlement: reconcile load market %s: %w", marketID, err)
	}
	market, err := chain.ParsePublicKey(m.Address)
	if err != nil {
		return fmt.Errorf("settlement: reconcile market %s address: %w", marketID, err)
	}

	userIDs := make([]string, 0, len(recs))
	for _, r := range recs {
		userIDs = append(userIDs, r.UserID)
	}
	wallets, err := p.users.PayoutAddresses(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("settlement: reconcile wallets %s: %w", marketID, err)
	}

	var entries []entry
	var offLedger []domain.Settlement
	for _, r := range recs {
		owner, err := chain.ParsePublicKey(wallets[r.UserID])
		if err != nil {
			offLedger = append(offLedger, r)
			continue
		}
		entries = append(entries, entry{rec: r, owner: owner})
	}
	if err := p.mark(ctx, offLedger, domain.SettlementConfirmed, ""); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	confirmed, failed, err := p.reconcileEntries(ctx, market, entries)
	p.logger.Info("reconciled stale settlements",
		slog.String("market_id", marketID),
		slog.Int("confirmed", confirmed+len(offLedger)),
		slog.Int("failed", failed))
	return err
}
