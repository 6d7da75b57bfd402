package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lendvault/lendvault/internal/domain"
)

// PriceService records oracle quotes. Quotes are written to Postgres first;
// the Redis mirror and the bus event are best effort so a cache outage never
// loses a quote.
type PriceService struct {
	prices domain.PriceStore
	cache  domain.PriceCache
	audit  domain.AuditStore
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

func NewPriceService(
	prices domain.PriceStore,
	cache domain.PriceCache,
	audit domain.AuditStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *PriceService {
	return &PriceService{
		prices: prices,
		cache:  cache,
		audit:  audit,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SubmitQuote validates and stores an oracle quote.
func (s *PriceService) SubmitQuote(ctx context.Context, asset string, price float64, source string, approved bool) (domain.PriceQuote, error) {
	if asset == "" {
		return domain.PriceQuote{}, &domain.ValidationError{Field: "asset", Reason: "must not be empty"}
	}
	if price <= 0 {
		return domain.PriceQuote{}, &domain.ValidationError{Field: "price", Reason: "must be positive"}
	}

	quote := domain.PriceQuote{
		Asset:    asset,
		Price:    price,
		Source:   source,
		Approved: approved,
		QuotedAt: s.now(),
	}
	id, err := s.prices.Insert(ctx, quote)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("price: insert quote for %s: %w", asset, err)
	}
	quote.ID = id

	if err := s.cache.SetPrice(ctx, asset, price, approved, quote.QuotedAt); err != nil {
		s.logger.WarnContext(ctx, "price: cache mirror failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
	}

	evt, _ := json.Marshal(domain.PriceEvent{
		Asset:    asset,
		Price:    price,
		Approved: approved,
		QuotedAt: quote.QuotedAt,
	})
	if err := s.bus.Publish(ctx, domain.ChannelPrices, evt); err != nil {
		s.logger.WarnContext(ctx, "price: publish event failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
	}

	if err := s.audit.Log(ctx, "price_updated", "price", asset, map[string]any{
		"price":    price,
		"source":   source,
		"approved": approved,
	}); err != nil {
		s.logger.WarnContext(ctx, "price: audit log failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "price: quote recorded",
		slog.String("asset", asset),
		slog.Float64("price", price),
		slog.Bool("approved", approved),
	)
	return quote, nil
}

// Latest returns the most recent quote for the asset, approved or not.
func (s *PriceService) Latest(ctx context.Context, asset string) (domain.PriceQuote, error) {
	quote, err := s.prices.Latest(ctx, asset)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("price: latest for %s: %w", asset, err)
	}
	return quote, nil
}

// LatestApproved returns the most recent approved quote for the asset.
func (s *PriceService) LatestApproved(ctx context.Context, asset string) (domain.PriceQuote, error) {
	quote, err := s.prices.LatestApproved(ctx, asset)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("price: latest approved for %s: %w", asset, err)
	}
	return quote, nil
}

// History returns stored quotes for the asset, newest first.
func (s *PriceService) History(ctx context.Context, asset string, opts domain.ListOpts) ([]domain.PriceQuote, error) {
	quotes, err := s.prices.ListHistory(ctx, asset, opts)
	if err != nil {
		return nil, fmt.Errorf("price: history for %s: %w", asset, err)
	}
	return quotes, nil
}

// CachedPrices reads the dashboard mirror for the given assets. Assets with
// no cached quote are absent from the result.
func (s *PriceService) CachedPrices(ctx context.Context, assets []string) (map[string]float64, error) {
	prices, err := s.cache.GetPrices(ctx, assets)
	if err != nil {
		return nil, fmt.Errorf("price: cached prices: %w", err)
	}
	return prices, nil
}
