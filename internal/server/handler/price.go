package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lendvault/lendvault/internal/domain"
)

// PriceAPI defines the price service methods the handler requires.
type PriceAPI interface {
	SubmitQuote(ctx context.Context, asset string, price float64, source string, approved bool) (domain.PriceQuote, error)
	Latest(ctx context.Context, asset string) (domain.PriceQuote, error)
	LatestApproved(ctx context.Context, asset string) (domain.PriceQuote, error)
	History(ctx context.Context, asset string, opts domain.ListOpts) ([]domain.PriceQuote, error)
	CachedPrices(ctx context.Context, assets []string) (map[string]float64, error)
}

// PriceHandler serves the oracle price endpoints.
type PriceHandler struct {
	prices PriceAPI
	logger *slog.Logger
}

func NewPriceHandler(prices PriceAPI, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logger}
}

type submitQuoteRequest struct {
	Asset    string  `json:"asset"`
	Price    float64 `json:"price"`
	Source   string  `json:"source"`
	Approved bool    `json:"approved"`
}

// SubmitQuote records a new oracle quote.
// POST /api/prices
func (h *PriceHandler) SubmitQuote(w http.ResponseWriter, r *http.Request) {
	var req submitQuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	quote, err := h.prices.SubmitQuote(r.Context(), req.Asset, req.Price, req.Source, req.Approved)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, quote)
}

// ListPrices returns the cached dashboard snapshot for the requested assets.
// The cache is best-effort; assets with no cached quote are omitted.
// GET /api/prices?assets=BTC,ETH
func (h *PriceHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	raw := strings.Split(r.URL.Query().Get("assets"), ",")
	assets := make([]string, 0, len(raw))
	for _, a := range raw {
		if a = strings.TrimSpace(a); a != "" {
			assets = append(assets, a)
		}
	}
	if len(assets) == 0 {
		writeDomainError(w, r, h.logger, &domain.ValidationError{
			Field:  "assets",
			Reason: "at least one asset is required",
		})
		return
	}

	prices, err := h.prices.CachedPrices(r.Context(), assets)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}

// GetPrice returns the latest quote for an asset. With ?approved=true only
// an approved quote qualifies.
// GET /api/prices/{asset}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")

	var (
		quote domain.PriceQuote
		err   error
	)
	if r.URL.Query().Get("approved") == "true" {
		quote, err = h.prices.LatestApproved(r.Context(), asset)
	} else {
		quote, err = h.prices.Latest(r.Context(), asset)
	}
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetPriceHistory returns stored quotes for an asset, newest first.
// GET /api/prices/{asset}/history
func (h *PriceHandler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.prices.History(r.Context(), r.PathValue("asset"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if quotes == nil {
		quotes = []domain.PriceQuote{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}
