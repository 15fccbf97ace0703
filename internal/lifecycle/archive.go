package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
)

// Archive closes the ledger accounts of markets settled longer than the
// grace period ago and marks them ARCHIVED. Markets with on-ledger orders
// still open are skipped until a later pass.
func (s *Machine) Archive(ctx context.Context) error {
	due, err := s.Markets.ListSettledBefore(ctx, s.now().Add(-s.cfg.ArchiveGrace), s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("lifecycle: list settled: %w", err)
	}

	type item struct {
		m  domain.Market
		pk chain.PublicKey
	}
	var items []item
	var errs []error
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
		left, err := s.cleanupOrders(ctx, m, pk)
		if err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: order cleanup %s: %w", m.ID, err))
			continue
		}
		if left > 0 {
			s.marketLog(m).Info("archive postponed, on-ledger orders open", slog.Int("orders", left))
			continue
		}
		items = append(items, item{m: m, pk: pk})
	}
	if len(items) == 0 {
		return errors.Join(errs...)
	}

	keys := make([]chain.PublicKey, len(items))
	for i, it := range items {
		keys[i] = it.pk
	}
	results := s.Ledger.CloseMarkets(ctx, keys)
	for i, res := range results {
		it := items[i]
		if res.Kind != relayer.KindSuccess && len(items) > 1 {
			res = s.Ledger.CloseMarkets(ctx, keys[i:i+1])[0]
		}
		switch {
		case res.Applied(), res.Kind == relayer.KindMissingAccount:
			if err := s.archiveLocal(ctx, it.m); err != nil {
				errs = append(errs, err)
			}
		case res.Kind == relayer.KindRefused:
			stepErrors.WithLabelValues("archive").Inc()
			s.marketLog(it.m).Error("ledger refused close, needs manual attention",
				slog.String("error", res.AsError(relayer.OpCloseMarket).Error()))
		default:
			errs = append(errs, res.AsError(relayer.OpCloseMarket))
		}
	}
	return errors.Join(errs...)
}

// archiveLocal exports the market and marks it ARCHIVED. A failed export
// is logged and does not hold the market back.
func (s *Machine) archiveLocal(ctx context.Context, m domain.Market) error {
	if s.Exporter != nil {
		recs, err := s.Settlements.ListByMarket(ctx, m.ID)
		if err == nil {
			err = s.Exporter.ExportMarket(ctx, m, recs)
		}
		if err != nil {
			s.marketLog(m).Warn("archive export failed", slog.String("error", err.Error()))
		}
	}
	changed, err := s.Markets.MarkArchived(ctx, m.ID, domain.MarketStatusSettled, s.now())
	if err != nil {
		return err
	}
	if changed {
		transitions.WithLabelValues("market.archived").Inc()
		s.marketLog(m).Info("market archived")
	}
	return nil
}
