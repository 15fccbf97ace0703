package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
)

type activation struct {
	m      domain.Market
	pk     chain.PublicKey
	strike int64
}

// Activate sets the strike of every pending market whose start time has
// come. Activations are batched; markets of a batch that did not plainly
// succeed are retried one by one so each gets its own result.
func (s *Machine) Activate(ctx context.Context) error {
	due, err := s.Markets.ListDueForActivation(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("lifecycle: list due for activation: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	var errs []error
	strikes := make(map[domain.Asset]int64)
	var items []activation
	for _, m := range due {
		release, ok := s.guard.TryAcquire(m.ID)
		if !ok {
			continue
		}
		defer release()

		pk, err := marketKey(m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		strike, ok := strikes[m.Asset]
		if !ok {
			strike, err = s.strike(ctx, m.Asset)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			strikes[m.Asset] = strike
		}
		items = append(items, activation{m: m, pk: pk, strike: strike})
	}
	if len(items) == 0 {
		return errors.Join(errs...)
	}

	acts := make([]relayer.Activation, len(items))
	for i, it := range items {
		acts[i] = relayer.Activation{Market: it.pk, Strike: uint64(it.strike)}
	}
	results := s.Ledger.ActivateMarkets(ctx, acts)
	for i, it := range items {
		res := results[i]
		if res.Kind != relayer.KindSuccess && len(items) > 1 {
			res = s.Ledger.ActivateMarket(ctx, it.pk, uint64(it.strike))
		}
		if err := s.applyActivation(ctx, it, res); err != nil {
			stepErrors.WithLabelValues("activate").Inc()
			s.marketLog(it.m).Error("activate failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ActivateMarket activates a single market. Running it again for a market
// that is already live leaves the strike untouched.
func (s *Machine) ActivateMarket(ctx context.Context, m domain.Market) error {
	release, ok := s.guard.TryAcquire(m.ID)
	if !ok {
		return ErrBusy
	}
	defer release()

	pk, err := marketKey(m)
	if err != nil {
		return err
	}
	strike, err := s.strike(ctx, m.Asset)
	if err != nil {
		return err
	}
	it := activation{m: m, pk: pk, strike: strike}
	return s.applyActivation(ctx, it, s.Ledger.ActivateMarket(ctx, pk, uint64(strike)))
}

func (s *Machine) strike(ctx context.Context, asset domain.Asset) (int64, error) {
	p, err := s.Prices.ActivationPrice(ctx, asset)
	if err != nil {
		return 0, err
	}
	strike := domain.ToFixed(p.Price)
	if strike <= 0 {
		return 0, fmt.Errorf("lifecycle: strike %s for %s: %w", p.Price, asset, domain.ErrNoPrice)
	}
	return strike, nil
}

// applyActivation records a ledger activation locally. When the ledger
// says the market is no longer pending, its own strike is adopted so the
// two never disagree after a crash between the writes.
func (s *Machine) applyActivation(ctx context.Context, it activation, res relayer.Result) error {
	strike := it.strike
	switch res.Kind {
	case relayer.KindSuccess:
	case relayer.KindAlreadyApplied:
		acct, ok, err := s.Ledger.FetchMarket(ctx, it.pk)
		if err != nil {
			return err
		}
		if !ok {
			return s.archiveMissing(ctx, it.m, domain.MarketStatusPendingActivation)
		}
		if acct.Status == chain.LedgerMarketPending || acct.StrikePrice == 0 {
			return fmt.Errorf("lifecycle: market %s reported activated but ledger is pending: %w",
				it.m.ID, res.AsError(relayer.OpActivateMarket))
		}
		if int64(acct.StrikePrice) != strike {
			s.marketLog(it.m).Info("adopting ledger strike",
				slog.Uint64("ledger_strike", acct.StrikePrice), slog.Int64("read_strike", strike))
		}
		strike = int64(acct.StrikePrice)
	case relayer.KindMissingAccount:
		return s.archiveMissing(ctx, it.m, domain.MarketStatusPendingActivation)
	default:
		return res.AsError(relayer.OpActivateMarket)
	}

	changed, err := s.Markets.Activate(ctx, it.m.ID, strike)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	it.m.StrikePrice = strike
	s.marketLog(it.m).Info("market activated", slog.Int64("strike", strike))
	s.emit(ctx, domain.EventMarketActivated, it.m, map[string]string{
		"strike_price": strconv.FormatInt(strike, 10),
		"tx_signature": res.Signature,
	})
	return nil
}
