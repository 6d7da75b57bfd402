package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lendvault/lendvault/internal/domain"
)

// PolicyService manages per-asset lending policies.
type PolicyService struct {
	policies domain.PolicyStore
	audit    domain.AuditStore
	logger   *slog.Logger
}

func NewPolicyService(policies domain.PolicyStore, audit domain.AuditStore, logger *slog.Logger) *PolicyService {
	return &PolicyService{policies: policies, audit: audit, logger: logger}
}

// Get returns the policy for the asset, falling back to defaults when none
// has been stored.
func (s *PolicyService) Get(ctx context.Context, asset string) (domain.Policy, error) {
	policy, err := s.policies.GetPolicy(ctx, asset)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy: get %s: %w", asset, err)
	}
	return policy, nil
}

// List returns every stored policy.
func (s *PolicyService) List(ctx context.Context) ([]domain.Policy, error) {
	policies, err := s.policies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: list: %w", err)
	}
	return policies, nil
}

// Upsert validates and stores a policy. The health bands must be ordered
// warning < margin < liquidate so the tiers stay disjoint.
func (s *PolicyService) Upsert(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	if err := validatePolicy(p); err != nil {
		return domain.Policy{}, err
	}

	if err := s.policies.Upsert(ctx, p); err != nil {
		return domain.Policy{}, fmt.Errorf("policy: upsert %s: %w", p.Asset, err)
	}

	stored, err := s.policies.GetPolicy(ctx, p.Asset)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy: reload %s: %w", p.Asset, err)
	}

	if err := s.audit.Log(ctx, "policy_updated", "policy", p.Asset, map[string]any{
		"max_ltv":         stored.MaxLTV,
		"warning_band":    stored.WarningBand,
		"margin_band":     stored.MarginBand,
		"liquidate_band":  stored.LiquidateBand,
		"interest_rate":   stored.InterestRate,
		"spread":          stored.Spread,
		"circuit_breaker": stored.CircuitBreaker,
		"version":         stored.Version,
	}); err != nil {
		s.logger.WarnContext(ctx, "policy: audit log failed",
			slog.String("asset", p.Asset),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "policy: updated",
		slog.String("asset", p.Asset),
		slog.Float64("max_ltv", stored.MaxLTV),
		slog.Bool("circuit_breaker", stored.CircuitBreaker),
	)
	return stored, nil
}

func validatePolicy(p domain.Policy) error {
	switch {
	case p.Asset == "":
		return &domain.ValidationError{Field: "asset", Reason: "must not be empty"}
	case p.MaxLTV <= 0 || p.MaxLTV >= 100:
		return &domain.ValidationError{Field: "max_ltv", Reason: "must be between 0 and 100 exclusive"}
	case p.LiquidateBand <= p.MaxLTV:
		return &domain.ValidationError{Field: "liquidate_band", Reason: "must exceed max_ltv"}
	case p.MarginBand >= p.LiquidateBand:
		return &domain.ValidationError{Field: "margin_band", Reason: "must be below liquidate_band"}
	case p.WarningBand >= p.MarginBand:
		return &domain.ValidationError{Field: "warning_band", Reason: "must be below margin_band"}
	case p.InterestRate < 0:
		return &domain.ValidationError{Field: "interest_rate", Reason: "must not be negative"}
	case p.Spread < 0:
		return &domain.ValidationError{Field: "spread", Reason: "must not be negative"}
	}
	return nil
}
