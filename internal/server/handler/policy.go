package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lendvault/lendvault/internal/domain"
)

// PolicyAPI defines the policy service methods the handler requires.
type PolicyAPI interface {
	Get(ctx context.Context, asset string) (domain.Policy, error)
	List(ctx context.Context) ([]domain.Policy, error)
	Upsert(ctx context.Context, p domain.Policy) (domain.Policy, error)
}

// PolicyHandler serves the per-asset lending policy endpoints.
type PolicyHandler struct {
	policies PolicyAPI
	logger   *slog.Logger
}

func NewPolicyHandler(policies PolicyAPI, logger *slog.Logger) *PolicyHandler {
	return &PolicyHandler{policies: policies, logger: logger}
}

// ListPolicies returns every stored policy.
// GET /api/policies
func (h *PolicyHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.List(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if policies == nil {
		policies = []domain.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// GetPolicy returns the effective policy for an asset, defaults included.
// GET /api/policies/{asset}
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.policies.Get(r.Context(), r.PathValue("asset"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

type upsertPolicyRequest struct {
	MaxLTV         float64 `json:"max_ltv"`
	WarningBand    float64 `json:"warning_band"`
	MarginBand     float64 `json:"margin_band"`
	LiquidateBand  float64 `json:"liquidate_band"`
	InterestRate   float64 `json:"interest_rate"`
	Spread         float64 `json:"spread"`
	CircuitBreaker bool    `json:"circuit_breaker"`
}

// UpsertPolicy creates or replaces the policy for an asset.
// PUT /api/policies/{asset}
func (h *PolicyHandler) UpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var req upsertPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	stored, err := h.policies.Upsert(r.Context(), domain.Policy{
		Asset:          r.PathValue("asset"),
		MaxLTV:         req.MaxLTV,
		WarningBand:    req.WarningBand,
		MarginBand:     req.MarginBand,
		LiquidateBand:  req.LiquidateBand,
		InterestRate:   req.InterestRate,
		Spread:         req.Spread,
		CircuitBreaker: req.CircuitBreaker,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}
