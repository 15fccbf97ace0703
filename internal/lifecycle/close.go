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

// Close stops trading on a market: it flips the status, cancels the
// locally resting orders, clears the book and force-cancels on-ledger
// orders so their escrow is refunded. Running it on an already closed
// market repeats the cleanup.
func (s *Machine) Close(ctx context.Context, m domain.Market) error {
	release, ok := s.guard.TryAcquire(m.ID)
	if !ok {
		return ErrBusy
	}
	defer release()
	return s.closeLocked(ctx, m)
}

func (s *Machine) closeLocked(ctx context.Context, m domain.Market) error {
	log := s.marketLog(m)
	changed, err := s.Markets.Transition(ctx, m.ID, domain.MarketStatusOpen, domain.MarketStatusClosed)
	if err != nil {
		return err
	}
	if !changed {
		cur, err := s.Markets.GetByID(ctx, m.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.MarketStatusClosed {
			return nil
		}
	}

	var errs []error
	cancelled, err := s.Orders.CancelOpenByMarket(ctx, m.ID)
	if err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: cancel orders %s: %w", m.ID, err))
	}
	if err := s.Book.Clear(ctx, m.ID); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: clear book %s: %w", m.ID, err))
	}
	if changed {
		log.Info("market closed", slog.Int64("orders_cancelled", cancelled))
		s.emit(ctx, domain.EventMarketClosed, m, map[string]string{
			"orders_cancelled": strconv.FormatInt(cancelled, 10),
		})
	}

	if pk, err := marketKey(m); err == nil {
		if left, err := s.cleanupOrders(ctx, m, pk); err != nil {
			log.Warn("on-ledger order cleanup failed", slog.String("error", err.Error()))
		} else if left > 0 {
			log.Warn("on-ledger orders still open", slog.Int("orders", left))
		}
	}
	return errors.Join(errs...)
}

// cleanupOrders force-closes on-ledger accounts of cancelled or expired
// orders and returns how many remain open. Orders whose batch did not
// plainly succeed are retried one by one.
func (s *Machine) cleanupOrders(ctx context.Context, m domain.Market, pk chain.PublicKey) (int, error) {
	orders, err := s.Orders.ListLedgerCleanup(ctx, m.ID)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	var refs []relayer.OrderRef
	var ids []string
	for _, o := range orders {
		owner, err := chain.ParsePublicKey(o.Owner)
		if err != nil {
			s.marketLog(m).Error("order owner unparseable", slog.String("order_id", o.ID), slog.String("owner", o.Owner))
			continue
		}
		refs = append(refs, relayer.OrderRef{Owner: owner, ClientOrderID: *o.ClientOrderID})
		ids = append(ids, o.ID)
	}
	if len(refs) == 0 {
		return len(orders), nil
	}

	results := s.Ledger.CancelOrdersByRelayer(ctx, pk, refs)
	var closed []string
	for i, res := range results {
		if res.Kind != relayer.KindSuccess && len(refs) > 1 {
			res = s.Ledger.CancelOrdersByRelayer(ctx, pk, refs[i:i+1])[0]
		}
		if res.Applied() || res.Kind == relayer.KindMissingAccount {
			closed = append(closed, ids[i])
			continue
		}
		s.marketLog(m).Warn("cancel on-ledger order failed",
			slog.String("order_id", ids[i]),
			slog.String("kind", res.Kind.String()),
			slog.String("error", res.AsError(relayer.OpCancelOrders).Error()))
	}
	if err := s.Orders.MarkLedgerClosed(ctx, closed); err != nil {
		return len(orders), err
	}
	return len(orders) - len(closed), nil
}
