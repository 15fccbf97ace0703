package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
	"github.com/alanyoungcy/marketkeeper/internal/settlement"
)

// ResolveDue is the resolver pass. Expired OPEN markets are closed and
// resolved in one go, CLOSED markets are resolved, and PENDING markets
// that expired without activation are settled empty.
func (s *Machine) ResolveDue(ctx context.Context) error {
	now := s.now()
	var errs []error

	open, err := s.Markets.ListExpired(ctx, domain.MarketStatusOpen, now, s.cfg.BatchLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: list expired open: %w", err))
	} else {
		errs = append(errs, s.fanOut(ctx, "close_resolve", open, s.CloseAndResolve))
	}

	closed, err := s.Markets.ListByStatus(ctx, domain.MarketStatusClosed, s.cfg.BatchLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: list closed: %w", err))
	} else {
		errs = append(errs, s.fanOut(ctx, "resolve", closed, s.Resolve))
	}

	pending, err := s.Markets.ListExpired(ctx, domain.MarketStatusPendingActivation, now, s.cfg.BatchLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: list expired pending: %w", err))
	} else {
		errs = append(errs, s.fanOut(ctx, "expire_pending", pending, s.SettleExpiredPending))
	}
	return errors.Join(errs...)
}

// Resolve decides and records the outcome of a closed market, then settles
// it. A second caller for the same market gets ErrBusy.
func (s *Machine) Resolve(ctx context.Context, m domain.Market) error {
	release, ok := s.guard.TryAcquire(m.ID)
	if !ok {
		return ErrBusy
	}
	defer release()
	return s.resolveLocked(ctx, m.ID)
}

// CloseAndResolve closes an expired market and resolves it in the same
// pass. A failed close is logged and does not block resolution.
func (s *Machine) CloseAndResolve(ctx context.Context, m domain.Market) error {
	release, ok := s.guard.TryAcquire(m.ID)
	if !ok {
		return ErrBusy
	}
	defer release()
	if err := s.closeLocked(ctx, m); err != nil {
		s.marketLog(m).Warn("close before resolve failed", slog.String("error", err.Error()))
	}
	return s.resolveLocked(ctx, m.ID)
}

func (s *Machine) resolveLocked(ctx context.Context, id string) error {
	m, err := s.Markets.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != domain.MarketStatusClosed {
		return nil
	}
	log := s.marketLog(m)
	pk, err := marketKey(m)
	if err != nil {
		return err
	}

	price, err := s.Prices.ResolutionPrice(ctx, m.Asset)
	if err != nil {
		return err
	}
	final := domain.ToFixed(price.Price)
	outcome := domain.DecideOutcome(final, m.StrikePrice)

	n, err := s.Positions.CountByMarket(ctx, m.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.resolveEmpty(ctx, m, pk, outcome, final)
	}

	// Prepare only reads the store, so it overlaps the ledger round trip.
	var res relayer.Result
	var batch *settlement.Batch
	var prepErr error
	var g errgroup.Group
	g.Go(func() error {
		res = s.Ledger.ResolveMarket(ctx, pk, outcome, uint64(final))
		return nil
	})
	g.Go(func() error {
		batch, prepErr = s.Settler.Prepare(ctx, m.ID)
		return nil
	})
	_ = g.Wait()

	switch {
	case res.Kind == relayer.KindSuccess:
	case res.Kind == relayer.KindAlreadyApplied:
		// The ledger's outcome wins over a price read after a crash.
		acct, ok, err := s.Ledger.FetchMarket(ctx, pk)
		if err != nil {
			return err
		}
		if ok && (acct.Status == chain.LedgerMarketResolved || acct.Status == chain.LedgerMarketSettled) {
			if outcome, err = ledgerOutcome(acct.Outcome); err != nil {
				return fmt.Errorf("lifecycle: adopt ledger outcome %s: %w", m.ID, err)
			}
			final = int64(acct.FinalPrice)
		}
	case res.Kind == relayer.KindMissingAccount:
		return s.archiveMissing(ctx, m, domain.MarketStatusClosed)
	default:
		return res.AsError(relayer.OpResolveMarket)
	}

	if err := s.markResolved(ctx, &m, outcome, final, res.Signature); err != nil {
		return err
	}
	log.Info("market resolved",
		slog.String("outcome", string(outcome)),
		slog.Int64("final_price", final),
		slog.Int64("strike", m.StrikePrice),
		slog.String("price_source", price.Source))

	if prepErr != nil {
		return fmt.Errorf("lifecycle: prepare settlement %s: %w", m.ID, prepErr)
	}
	if _, err := s.Settler.Execute(ctx, batch, m); err != nil && !errors.Is(err, settlement.ErrBusy) {
		return err
	}
	return nil
}

func (s *Machine) markResolved(ctx context.Context, m *domain.Market, outcome domain.Outcome, final int64, sig string) error {
	changed, err := s.Markets.MarkResolved(ctx, m.ID, outcome, final, s.now())
	if err != nil {
		return err
	}
	if !changed {
		cur, err := s.Markets.GetByID(ctx, m.ID)
		if err != nil {
			return err
		}
		*m = cur
		return nil
	}
	m.Status = domain.MarketStatusResolved
	m.Outcome = outcome
	m.FinalPrice = final
	s.emit(ctx, domain.EventMarketResolved, *m, map[string]string{
		"outcome":      string(outcome),
		"final_price":  strconv.FormatInt(final, 10),
		"strike_price": strconv.FormatInt(m.StrikePrice, 10),
		"tx_signature": sig,
	})
	return nil
}

// resolveEmpty handles a market nobody traded: the outcome is recorded
// locally only, the market is settled at once, and an on-ledger close is
// tried right away. A failed close is left for the archiver.
func (s *Machine) resolveEmpty(ctx context.Context, m domain.Market, pk chain.PublicKey, outcome domain.Outcome, final int64) error {
	if err := s.markResolved(ctx, &m, outcome, final, ""); err != nil {
		return err
	}
	if _, err := s.Markets.MarkSettled(ctx, m.ID, s.now()); err != nil {
		return err
	}
	m.Status = domain.MarketStatusSettled
	s.marketLog(m).Info("market had no positions, settled without ledger resolve",
		slog.String("outcome", string(outcome)))
	return s.closeNow(ctx, m, pk)
}

// SettleExpiredPending settles a market that expired before activation.
// It cannot have positions.
func (s *Machine) SettleExpiredPending(ctx context.Context, m domain.Market) error {
	release, ok := s.guard.TryAcquire(m.ID)
	if !ok {
		return ErrBusy
	}
	defer release()

	changed, err := s.Markets.MarkSettled(ctx, m.ID, s.now())
	if err != nil || !changed {
		return err
	}
	m.Status = domain.MarketStatusSettled
	s.marketLog(m).Warn("market expired before activation, settled empty")
	pk, err := marketKey(m)
	if err != nil {
		return err
	}
	return s.closeNow(ctx, m, pk)
}

// closeNow is the opportunistic rent recovery of an empty market.
func (s *Machine) closeNow(ctx context.Context, m domain.Market, pk chain.PublicKey) error {
	res := s.Ledger.CloseMarkets(ctx, []chain.PublicKey{pk})[0]
	if res.Applied() || res.Kind == relayer.KindMissingAccount {
		return s.archiveLocal(ctx, m)
	}
	s.marketLog(m).Info("immediate close deferred to archiver",
		slog.String("kind", res.Kind.String()),
		slog.String("error", res.AsError(relayer.OpCloseMarket).Error()))
	return nil
}

func ledgerOutcome(o chain.LedgerOutcome) (domain.Outcome, error) {
	switch o {
	case chain.LedgerOutcomeYes:
		return domain.OutcomeYes, nil
	case chain.LedgerOutcomeNo:
		return domain.OutcomeNo, nil
	}
	return domain.OutcomeUnset, fmt.Errorf("ledger outcome byte %d is not final", o)
}
