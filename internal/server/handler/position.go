package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lendvault/lendvault/internal/domain"
	"github.com/lendvault/lendvault/internal/service"
)

// LedgerAPI defines the ledger methods the position handler requires.
type LedgerAPI interface {
	Open(ctx context.Context, req service.OpenRequest) (domain.Position, error)
	Confirm(ctx context.Context, id string) (domain.Position, error)
	Draw(ctx context.Context, id string, amount float64) (domain.Position, error)
	Repay(ctx context.Context, id string, amount float64) (domain.Position, error)
	Query(ctx context.Context, borrower string, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error)
	Get(ctx context.Context, id string) (domain.PositionRisk, error)
}

// PositionHandler serves the loan position endpoints.
type PositionHandler struct {
	ledger LedgerAPI
	logger *slog.Logger
}

func NewPositionHandler(ledger LedgerAPI, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{ledger: ledger, logger: logger}
}

type openPositionRequest struct {
	Borrower         string  `json:"borrower"`
	CollateralAsset  string  `json:"collateral_asset"`
	CollateralAmount float64 `json:"collateral_amount"`
	BorrowAsset      string  `json:"borrow_asset"`
	BorrowAmount     float64 `json:"borrow_amount"`
}

// OpenPosition opens a new loan in the pending state.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	pos, err := h.ledger.Open(r.Context(), service.OpenRequest{
		Borrower:         req.Borrower,
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: req.CollateralAmount,
		BorrowAsset:      req.BorrowAsset,
		BorrowAmount:     req.BorrowAmount,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, pos)
}

// ListPositions returns positions filtered by the optional borrower and
// status query parameters.
// GET /api/positions?borrower=alice&status=active
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	positions, err := h.ledger.Query(r.Context(),
		q.Get("borrower"),
		domain.PositionStatus(q.Get("status")),
		parseListOpts(r),
	)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetPosition returns a single position enriched with derived risk numbers.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	enriched, err := h.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, enriched)
}

// ConfirmPosition activates a pending position.
// POST /api/positions/{id}/confirm
func (h *PositionHandler) ConfirmPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.ledger.Confirm(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

type amountRequest struct {
	Amount float64 `json:"amount"`
}

// DrawPosition draws additional principal against an active position.
// POST /api/positions/{id}/draw
func (h *PositionHandler) DrawPosition(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	pos, err := h.ledger.Draw(r.Context(), r.PathValue("id"), req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// RepayPosition applies a repayment to an active position.
// POST /api/positions/{id}/repay
func (h *PositionHandler) RepayPosition(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	pos, err := h.ledger.Repay(r.Context(), r.PathValue("id"), req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
