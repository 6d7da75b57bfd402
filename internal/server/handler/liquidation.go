package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lendvault/lendvault/internal/domain"
	"github.com/lendvault/lendvault/internal/service"
)

// LiquidationAPI defines the liquidation service methods the handler requires.
type LiquidationAPI interface {
	EvaluateLiquidations(ctx context.Context, scope service.EvaluateScope) ([]domain.TierReport, error)
	ExecuteIntent(ctx context.Context, id string) (domain.LiquidationIntent, error)
	ListIntents(ctx context.Context, status domain.IntentStatus, opts domain.ListOpts) ([]domain.LiquidationIntent, error)
	ReplayEvents(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error)
}

// LiquidationHandler serves the liquidation sweep and intent endpoints.
type LiquidationHandler struct {
	liquidations LiquidationAPI
	logger       *slog.Logger
}

func NewLiquidationHandler(liquidations LiquidationAPI, logger *slog.Logger) *LiquidationHandler {
	return &LiquidationHandler{liquidations: liquidations, logger: logger}
}

// Evaluate runs a liquidation sweep on demand and returns the tier report.
// The optional position_id and asset parameters narrow the sweep.
// POST /api/liquidations/evaluate?position_id=<id>&asset=BTC
func (h *LiquidationHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reports, err := h.liquidations.EvaluateLiquidations(r.Context(), service.EvaluateScope{
		PositionID: q.Get("position_id"),
		Asset:      q.Get("asset"),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if reports == nil {
		reports = []domain.TierReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// ListIntents returns liquidation intents, optionally filtered by status.
// GET /api/liquidations/intents?status=pending
func (h *LiquidationHandler) ListIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := h.liquidations.ListIntents(r.Context(),
		domain.IntentStatus(r.URL.Query().Get("status")),
		parseListOpts(r),
	)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if intents == nil {
		intents = []domain.LiquidationIntent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": intents})
}

// ReplayEvents returns liquidation events from the durable stream so a
// consumer that missed pub/sub delivery can catch up.
// GET /api/liquidations/events?after=<stream-id>&limit=100
func (h *LiquidationHandler) ReplayEvents(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	msgs, err := h.liquidations.ReplayEvents(r.Context(), r.URL.Query().Get("after"), opts.Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	events := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, map[string]any{
			"id":    msg.ID,
			"event": json.RawMessage(msg.Payload),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ExecuteIntent settles a pending liquidation intent.
// POST /api/liquidations/intents/{id}/execute
func (h *LiquidationHandler) ExecuteIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.liquidations.ExecuteIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}
