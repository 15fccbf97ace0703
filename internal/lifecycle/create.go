package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
)

// Create makes sure the next Lookahead expiry slots of every configured
// (asset, timeframe) pair have a market. An asset with no usable price is
// skipped for the pass.
func (s *Machine) Create(ctx context.Context) error {
	now := s.now()
	var errs []error
	for _, asset := range s.cfg.Assets {
		if _, err := s.Prices.ActivationPrice(ctx, asset); err != nil {
			s.logger.Warn("no price, skipping market creation",
				slog.String("asset", string(asset)), slog.String("error", err.Error()))
			continue
		}
		for _, tf := range s.cfg.Timeframes {
			for k := 1; k <= s.cfg.Lookahead; k++ {
				expiry, err := domain.SlotExpiry(tf, now, k)
				if err != nil {
					errs = append(errs, err)
					break
				}
				if expiry.Sub(now) < s.cfg.MinLead {
					continue
				}
				if err := s.createSlot(ctx, asset, tf, expiry); err != nil {
					stepErrors.WithLabelValues("create").Inc()
					s.logger.Error("create market failed",
						slog.String("asset", string(asset)),
						slog.String("timeframe", string(tf)),
						slog.Time("expiry", expiry),
						slog.String("error", err.Error()))
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// createSlot initializes the market on-ledger, waits until the account is
// visible and only then inserts the local record, so the store never holds
// a market the ledger does not.
func (s *Machine) createSlot(ctx context.Context, asset domain.Asset, tf domain.Timeframe, expiry time.Time) error {
	exists, err := s.Markets.ExistsForSlot(ctx, asset, tf, expiry)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	d, err := tf.Duration()
	if err != nil {
		return err
	}

	pk, res := s.Ledger.InitializeMarket(ctx, asset, tf, expiry)
	if !res.Applied() {
		return res.AsError(relayer.OpInitializeMarket)
	}
	if err := s.verifyExists(ctx, pk); err != nil {
		return err
	}

	m := domain.Market{
		ID:        s.newID(),
		Address:   pk.String(),
		Asset:     asset,
		Timeframe: tf,
		StartAt:   expiry.Add(-d),
		ExpiryAt:  expiry,
		Status:    domain.MarketStatusPendingActivation,
	}
	if err := s.Markets.Create(ctx, m); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	transitions.WithLabelValues("market.created").Inc()
	s.marketLog(m).Info("market created",
		slog.String("asset", string(asset)),
		slog.String("timeframe", string(tf)),
		slog.Time("expiry", expiry),
		slog.String("ledger", res.Kind.String()))
	return nil
}

// verifyExists polls for the account with exponential backoff; RPC nodes
// can lag behind the confirmation they reported.
func (s *Machine) verifyExists(ctx context.Context, pk chain.PublicKey) error {
	wait := s.cfg.VerifyBackoff
	var lastErr error
	for attempt := 0; attempt < s.cfg.VerifyAttempts; attempt++ {
		ok, err := s.Ledger.AccountExists(ctx, pk)
		if err == nil && ok {
			return nil
		}
		lastErr = err
		if attempt == s.cfg.VerifyAttempts-1 {
			break
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		wait *= 2
	}
	if lastErr != nil {
		return fmt.Errorf("lifecycle: verify market %s: %w", pk, lastErr)
	}
	return fmt.Errorf("lifecycle: market %s not visible after %d checks", pk, s.cfg.VerifyAttempts)
}
