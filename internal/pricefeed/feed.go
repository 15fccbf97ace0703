// Package pricefeed reads asset prices for activation and resolution. Each
// call site applies its own freshness threshold rather than trusting the
// source's notion of staleness.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// Source is a secondary price provider.
type Source interface {
	Latest(ctx context.Context, asset domain.Asset) (domain.PricePoint, error)
}

// Config holds freshness thresholds and last-resort prices.
type Config struct {
	ActivationMaxAge time.Duration
	ResolutionMaxAge time.Duration
	// Static prices are only ever used for activation.
	Static map[domain.Asset]decimal.Decimal
}

// Feed layers a primary cache read, an optional fallback Source and static
// prices.
type Feed struct {
	primary  domain.PriceCache
	fallback Source
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Feed. fallback may be nil.
func New(primary domain.PriceCache, fallback Source, cfg Config, logger *slog.Logger) *Feed {
	if cfg.ActivationMaxAge <= 0 {
		cfg.ActivationMaxAge = 15 * time.Second
	}
	if cfg.ResolutionMaxAge <= 0 {
		cfg.ResolutionMaxAge = 60 * time.Second
	}
	return &Feed{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "pricefeed")),
		now:      time.Now,
	}
}

// ActivationPrice returns a price to use as a strike. A primary price older
// than ActivationMaxAge is skipped for the fallback source, then for the
// configured static price.
func (f *Feed) ActivationPrice(ctx context.Context, asset domain.Asset) (domain.PricePoint, error) {
	p, err := f.primary.GetPrice(ctx, asset)
	switch {
	case err == nil && p.Age(f.now()) <= f.cfg.ActivationMaxAge:
		observe("activation", "primary")
		return p, nil
	case err == nil:
		f.logger.Info("primary price stale for activation",
			slog.String("asset", string(asset)), slog.Duration("age", p.Age(f.now())))
	case !errors.Is(err, domain.ErrNotFound):
		f.logger.Warn("primary price read failed", slog.String("asset", string(asset)), slog.String("error", err.Error()))
	}

	if fp, ferr := f.readFallback(ctx, asset); ferr == nil {
		f.logger.Warn("using fallback price for activation",
			slog.String("asset", string(asset)), slog.String("price", fp.Price.String()), slog.String("source", fp.Source))
		observe("activation", "fallback")
		return fp, nil
	} else if f.fallback != nil {
		f.logger.Warn("fallback price unavailable", slog.String("asset", string(asset)), slog.String("error", ferr.Error()))
	}

	if sp, ok := f.cfg.Static[asset]; ok && sp.IsPositive() {
		f.logger.Error("using static price for activation",
			slog.String("asset", string(asset)), slog.String("price", sp.String()))
		observe("activation", "static")
		return domain.PricePoint{Asset: asset, Price: sp, At: f.now(), Source: "static"}, nil
	}
	observe("activation", "none")
	return domain.PricePoint{}, fmt.Errorf("pricefeed: activation price %s: %w", asset, domain.ErrNoPrice)
}

// ResolutionPrice returns the price a market resolves against. A stale
// primary price is still used, with a warning. Static prices are never
// used here.
func (f *Feed) ResolutionPrice(ctx context.Context, asset domain.Asset) (domain.PricePoint, error) {
	p, err := f.primary.GetPrice(ctx, asset)
	if err == nil {
		if age := p.Age(f.now()); age > f.cfg.ResolutionMaxAge {
			f.logger.Warn("resolving with stale price",
				slog.String("asset", string(asset)), slog.Duration("age", age))
			observe("resolution", "primary_stale")
		} else {
			observe("resolution", "primary")
		}
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		f.logger.Warn("primary price read failed", slog.String("asset", string(asset)), slog.String("error", err.Error()))
	}

	fp, ferr := f.readFallback(ctx, asset)
	if ferr != nil {
		observe("resolution", "none")
		return domain.PricePoint{}, fmt.Errorf("pricefeed: resolution price %s: %w", asset, errors.Join(domain.ErrNoPrice, ferr))
	}
	f.logger.Warn("using fallback price for resolution",
		slog.String("asset", string(asset)), slog.String("price", fp.Price.String()))
	observe("resolution", "fallback")
	return fp, nil
}

func (f *Feed) readFallback(ctx context.Context, asset domain.Asset) (domain.PricePoint, error) {
	if f.fallback == nil {
		return domain.PricePoint{}, domain.ErrNoPrice
	}
	p, err := f.fallback.Latest(ctx, asset)
	if err != nil {
		return domain.PricePoint{}, err
	}
	if !p.Price.IsPositive() {
		return domain.PricePoint{}, fmt.Errorf("pricefeed: fallback price %s for %s: %w", p.Price, asset, domain.ErrNoPrice)
	}
	return p, nil
}
