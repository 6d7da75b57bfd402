// Package service implements the lending workflows on top of the domain
// store interfaces.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lendvault/lendvault/internal/domain"
	"github.com/lendvault/lendvault/internal/risk"
)

// closeEpsilon absorbs float64 representation noise when deciding whether a
// repayment cleared the principal.
const closeEpsilon = 1e-9

// LedgerConfig holds the tunable parameters of the position ledger.
type LedgerConfig struct {
	// MissingPriceDefault falls back to DefaultPrices for assets with no
	// approved quote instead of rejecting the open.
	MissingPriceDefault bool
	DefaultPrices       map[string]float64
	LockTTL             time.Duration
}

// LedgerService owns the loan position lifecycle: open, confirm, draw,
// repay, interest accrual, and the liquidated transition. Every mutation
// runs under a per-position distributed lock and a version-guarded update,
// so a lost lock degrades to a conflict instead of a lost write.
type LedgerService struct {
	positions domain.PositionStore
	policies  domain.PolicyStore
	prices    domain.PriceStore
	audit     domain.AuditStore
	locks     domain.LockManager
	bus       domain.SignalBus
	cfg       LedgerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedgerService creates a LedgerService with all required dependencies.
func NewLedgerService(
	positions domain.PositionStore,
	policies domain.PolicyStore,
	prices domain.PriceStore,
	audit domain.AuditStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	cfg LedgerConfig,
	logger *slog.Logger,
) *LedgerService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	return &LedgerService{
		positions: positions,
		policies:  policies,
		prices:    prices,
		audit:     audit,
		locks:     locks,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OpenRequest carries the parameters for opening a loan.
type OpenRequest struct {
	Borrower         string
	CollateralAsset  string
	CollateralAmount float64
	BorrowAsset      string
	BorrowAmount     float64
}

func (r OpenRequest) validate() error {
	switch {
	case r.Borrower == "":
		return &domain.ValidationError{Field: "borrower", Reason: "must not be empty"}
	case r.CollateralAsset == "":
		return &domain.ValidationError{Field: "collateral_asset", Reason: "must not be empty"}
	case r.CollateralAmount <= 0:
		return &domain.ValidationError{Field: "collateral_amount", Reason: "must be positive"}
	case r.BorrowAsset == "":
		return &domain.ValidationError{Field: "borrow_asset", Reason: "must not be empty"}
	case r.BorrowAmount <= 0:
		return &domain.ValidationError{Field: "borrow_amount", Reason: "must be positive"}
	}
	return nil
}

// Open validates the request against the collateral asset's policy and
// creates a pending position. The borrow is gated on the latest approved
// price; the maximum LTV boundary is inclusive.
func (s *LedgerService) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if err := req.validate(); err != nil {
		return domain.Position{}, err
	}

	policy, err := s.policies.GetPolicy(ctx, req.CollateralAsset)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: get policy: %w", err)
	}
	if policy.CircuitBreaker {
		return domain.Position{}, &domain.PolicyViolationError{
			Asset:          req.CollateralAsset,
			CircuitBreaker: true,
		}
	}

	price, err := s.resolvePrice(ctx, req.CollateralAsset)
	if err != nil {
		return domain.Position{}, err
	}

	collateralValue := req.CollateralAmount * price
	ltv := risk.LoanToValue(req.BorrowAmount, collateralValue)
	if ltv > policy.MaxLTV {
		return domain.Position{}, &domain.PolicyViolationError{
			Asset:       req.CollateralAsset,
			ComputedLTV: ltv,
			MaxLTV:      policy.MaxLTV,
		}
	}

	now := s.now()
	pos := domain.Position{
		ID:               uuid.New().String(),
		Borrower:         req.Borrower,
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: req.CollateralAmount,
		BorrowAsset:      req.BorrowAsset,
		Principal:        req.BorrowAmount,
		AccruedInterest:  0,
		InterestRate:     policy.EffectiveRate(),
		Status:           domain.PositionStatusPending,
		CreatedAt:        now,
		LastAccrualAt:    now,
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: create position: %w", err)
	}

	s.auditLog(ctx, "loan_created", pos.ID, map[string]any{
		"borrower":          pos.Borrower,
		"collateral_asset":  pos.CollateralAsset,
		"collateral_amount": pos.CollateralAmount,
		"borrow_asset":      pos.BorrowAsset,
		"principal":         pos.Principal,
		"ltv":               ltv,
		"collateral_price":  price,
	})
	s.publishPosition(ctx, "opened", pos)

	s.logger.InfoContext(ctx, "ledger: position opened",
		slog.String("position_id", pos.ID),
		slog.String("borrower", pos.Borrower),
		slog.Float64("principal", pos.Principal),
		slog.Float64("ltv", ltv),
	)

	return pos, nil
}

// resolvePrice returns the latest approved price for an asset. When no
// approved quote exists the configured fallback decides between the default
// price table and rejection.
func (s *LedgerService) resolvePrice(ctx context.Context, asset string) (float64, error) {
	quote, err := s.prices.LatestApproved(ctx, asset)
	if err == nil {
		return quote.Price, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("ledger: resolve price for %s: %w", asset, err)
	}

	if s.cfg.MissingPriceDefault {
		if price, ok := s.cfg.DefaultPrices[asset]; ok {
			s.logger.WarnContext(ctx, "ledger: using default price",
				slog.String("asset", asset),
				slog.Float64("price", price),
			)
			return price, nil
		}
	}
	// No approved quote and no fallback: the risk is unknown, so the
	// mutation must not proceed.
	return 0, fmt.Errorf("ledger: no approved price for %s: %w", asset, domain.ErrDependencyUnavailable)
}

// Confirm transitions a pending position to active.
func (s *LedgerService) Confirm(ctx context.Context, id string) (domain.Position, error) {
	var confirmed domain.Position
	err := s.withLock(ctx, id, func() error {
		pos, err := s.positions.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("ledger: get position %s: %w", id, err)
		}
		if !domain.CanTransition(pos.Status, domain.PositionStatusActive) {
			return &domain.InvalidTransitionError{From: pos.Status, To: domain.PositionStatusActive}
		}

		if err := s.positions.UpdateStatus(ctx, id, pos.Status, domain.PositionStatusActive, pos.Version); err != nil {
			return fmt.Errorf("ledger: confirm position %s: %w", id, err)
		}

		pos.Status = domain.PositionStatusActive
		pos.Version++
		confirmed = pos
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	s.auditLog(ctx, "transaction_confirmed", id, map[string]any{
		"borrower": confirmed.Borrower,
	})
	s.publishPosition(ctx, "confirmed", confirmed)

	s.logger.InfoContext(ctx, "ledger: position confirmed",
		slog.String("position_id", id),
	)
	return confirmed, nil
}

// Draw increases the principal of an active position after re-gating the
// resulting LTV against the current policy and price.
func (s *LedgerService) Draw(ctx context.Context, id string, amount float64) (domain.Position, error) {
	if amount <= 0 {
		return domain.Position{}, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	var updated domain.Position
	var drawLTV float64
	err := s.withLock(ctx, id, func() error {
		pos, err := s.positions.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("ledger: get position %s: %w", id, err)
		}
		if pos.Status != domain.PositionStatusActive {
			return &domain.InvalidTransitionError{From: pos.Status, To: domain.PositionStatusActive}
		}

		policy, err := s.policies.GetPolicy(ctx, pos.CollateralAsset)
		if err != nil {
			return fmt.Errorf("ledger: get policy: %w", err)
		}
		if policy.CircuitBreaker {
			return &domain.PolicyViolationError{Asset: pos.CollateralAsset, CircuitBreaker: true}
		}

		price, err := s.resolvePrice(ctx, pos.CollateralAsset)
		if err != nil {
			return err
		}

		// The draw gate is over principal only; accrued interest counts
		// toward the health factor, not the draw-time LTV.
		newPrincipal := pos.Principal + amount
		ltv := risk.LoanToValue(newPrincipal, pos.CollateralAmount*price)
		if ltv > policy.MaxLTV {
			return &domain.PolicyViolationError{
				Asset:       pos.CollateralAsset,
				ComputedLTV: ltv,
				MaxLTV:      policy.MaxLTV,
			}
		}

		pos.Principal = newPrincipal
		if err := s.positions.Update(ctx, pos); err != nil {
			return fmt.Errorf("ledger: draw on position %s: %w", id, err)
		}
		pos.Version++
		updated = pos
		drawLTV = ltv
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	s.auditLog(ctx, "draw", id, map[string]any{
		"amount":    amount,
		"principal": updated.Principal,
		"ltv":       drawLTV,
	})
	s.publishPosition(ctx, "drawn", updated)

	s.logger.InfoContext(ctx, "ledger: draw applied",
		slog.String("position_id", id),
		slog.Float64("amount", amount),
	)
	return updated, nil
}

// Repay applies a repayment to an active position. Interest is paid before
// principal; clearing the principal closes the position. Paying more than
// the outstanding debt is rejected.
func (s *LedgerService) Repay(ctx context.Context, id string, amount float64) (domain.Position, error) {
	if amount <= 0 {
		return domain.Position{}, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	var updated domain.Position
	err := s.withLock(ctx, id, func() error {
		pos, err := s.positions.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("ledger: get position %s: %w", id, err)
		}
		if pos.Status != domain.PositionStatusActive {
			return &domain.InvalidTransitionError{From: pos.Status, To: domain.PositionStatusClosed}
		}

		outstanding := pos.Outstanding()
		if amount > outstanding+closeEpsilon {
			return &domain.InsufficientDebtError{Requested: amount, Outstanding: outstanding}
		}

		// Interest first, then principal.
		interestPaid := amount
		if interestPaid > pos.AccruedInterest {
			interestPaid = pos.AccruedInterest
		}
		pos.AccruedInterest -= interestPaid
		pos.Principal -= amount - interestPaid

		if pos.Principal <= closeEpsilon {
			pos.Principal = 0
			pos.AccruedInterest = 0
			pos.Status = domain.PositionStatusClosed
			closedAt := s.now()
			pos.ClosedAt = &closedAt
		}

		if err := s.positions.Update(ctx, pos); err != nil {
			return fmt.Errorf("ledger: repay position %s: %w", id, err)
		}
		pos.Version++
		updated = pos
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	s.auditLog(ctx, "loan_repayment", id, map[string]any{
		"amount":           amount,
		"principal":        updated.Principal,
		"accrued_interest": updated.AccruedInterest,
		"closed":           updated.Status == domain.PositionStatusClosed,
	})
	event := "repaid"
	if updated.Status == domain.PositionStatusClosed {
		event = "closed"
	}
	s.publishPosition(ctx, event, updated)

	s.logger.InfoContext(ctx, "ledger: repayment applied",
		slog.String("position_id", id),
		slog.Float64("amount", amount),
		slog.String("status", string(updated.Status)),
	)
	return updated, nil
}

// AccrueInterest adds simple interest for the whole days elapsed since the
// position's last accrual. Partial days wait for the next run, keeping the
// stored interest monotonically non-decreasing.
func (s *LedgerService) AccrueInterest(ctx context.Context, id string) error {
	return s.withLock(ctx, id, func() error {
		pos, err := s.positions.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("ledger: get position %s: %w", id, err)
		}
		if pos.Status != domain.PositionStatusActive {
			return nil
		}

		days := int(s.now().Sub(pos.LastAccrualAt).Hours() / 24)
		if days < 1 {
			return nil
		}

		accrued := risk.AccruedInterest(pos.Principal, pos.InterestRate, float64(days))
		pos.AccruedInterest += accrued
		pos.LastAccrualAt = pos.LastAccrualAt.Add(time.Duration(days) * 24 * time.Hour)

		if err := s.positions.Update(ctx, pos); err != nil {
			return fmt.Errorf("ledger: accrue interest on %s: %w", id, err)
		}

		s.auditLog(ctx, "interest_accrued", id, map[string]any{
			"days":     days,
			"interest": accrued,
		})

		s.logger.DebugContext(ctx, "ledger: interest accrued",
			slog.String("position_id", id),
			slog.Int("days", days),
			slog.Float64("interest", accrued),
		)
		return nil
	})
}

// AccrueAll runs interest accrual across every active position. Individual
// failures are logged and skipped so one bad row cannot stall the sweep.
func (s *LedgerService) AccrueAll(ctx context.Context) error {
	positions, err := s.positions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("ledger: list active for accrual: %w", err)
	}

	for _, pos := range positions {
		if err := s.AccrueInterest(ctx, pos.ID); err != nil {
			s.logger.WarnContext(ctx, "ledger: accrual failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// MarkLiquidated transitions an active position to liquidated. The guard on
// the current status makes the call idempotent-safe: a position already
// settled by a concurrent path surfaces as an invalid transition.
func (s *LedgerService) MarkLiquidated(ctx context.Context, id, intentID string) error {
	err := s.withLock(ctx, id, func() error {
		pos, err := s.positions.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("ledger: get position %s: %w", id, err)
		}
		if !domain.CanTransition(pos.Status, domain.PositionStatusLiquidated) {
			return &domain.InvalidTransitionError{From: pos.Status, To: domain.PositionStatusLiquidated}
		}

		if err := s.positions.UpdateStatus(ctx, id, pos.Status, domain.PositionStatusLiquidated, pos.Version); err != nil {
			return fmt.Errorf("ledger: mark liquidated %s: %w", id, err)
		}

		pos.Status = domain.PositionStatusLiquidated
		s.publishPosition(ctx, "liquidated", pos)
		return nil
	})
	if err != nil {
		return err
	}

	s.auditLog(ctx, "loan_liquidated", id, map[string]any{
		"intent_id": intentID,
	})

	s.logger.InfoContext(ctx, "ledger: position liquidated",
		slog.String("position_id", id),
		slog.String("intent_id", intentID),
	)
	return nil
}

// Query returns positions matching the optional borrower and status
// filters, newest first.
func (s *LedgerService) Query(ctx context.Context, borrower string, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	if status != "" && !domain.ValidStatus(status) {
		return nil, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	positions, err := s.positions.List(ctx, domain.PositionFilter{
		Borrower: borrower,
		Status:   status,
		ListOpts: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: query positions: %w", err)
	}
	return positions, nil
}

// Get returns a position enriched with risk numbers derived from a fresh
// approved price. When no price is available the derived fields stay zero
// and the tier is left empty; the stored fields are always authoritative.
func (s *LedgerService) Get(ctx context.Context, id string) (domain.PositionRisk, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.PositionRisk{}, fmt.Errorf("ledger: get position %s: %w", id, err)
	}

	enriched := domain.PositionRisk{Position: pos}

	quote, err := s.prices.LatestApproved(ctx, pos.CollateralAsset)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return enriched, nil
		}
		return domain.PositionRisk{}, fmt.Errorf("ledger: price for %s: %w", pos.CollateralAsset, err)
	}

	policy, err := s.policies.GetPolicy(ctx, pos.CollateralAsset)
	if err != nil {
		return domain.PositionRisk{}, fmt.Errorf("ledger: get policy: %w", err)
	}

	outstanding := pos.Outstanding()
	enriched.CollateralPrice = quote.Price
	enriched.CollateralValue = pos.CollateralAmount * quote.Price
	enriched.LoanToValue = risk.LoanToValue(outstanding, enriched.CollateralValue)
	enriched.HealthFactor = risk.HealthFactor(enriched.CollateralValue, outstanding, policy.LiquidationThreshold())
	enriched.LiquidationPrice = risk.LiquidationPrice(outstanding, pos.CollateralAmount, policy.LiquidationThreshold())
	enriched.HealthTier = string(risk.ClassifyHealth(enriched.HealthFactor))

	return enriched, nil
}

// withLock runs fn under the position's distributed lock.
func (s *LedgerService) withLock(ctx context.Context, id string, fn func() error) error {
	unlock, err := s.locks.Acquire(ctx, "position:"+id, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return err
		}
		return fmt.Errorf("ledger: lock position %s: %w", id, err)
	}
	defer unlock()

	return fn()
}

// auditLog writes an audit entry. Audit failure never rolls back the
// mutation; it is logged and the operation proceeds.
func (s *LedgerService) auditLog(ctx context.Context, eventType, positionID string, detail map[string]any) {
	if err := s.audit.Log(ctx, eventType, "position", positionID, detail); err != nil {
		s.logger.WarnContext(ctx, "ledger: audit log failed",
			slog.String("event_type", eventType),
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LedgerService) publishPosition(ctx context.Context, event string, pos domain.Position) {
	evt, _ := json.Marshal(domain.PositionEvent{
		Type:       event,
		PositionID: pos.ID,
		Borrower:   pos.Borrower,
		Status:     pos.Status,
		Principal:  pos.Principal,
		Interest:   pos.AccruedInterest,
		At:         s.now(),
	})
	if err := s.bus.Publish(ctx, domain.ChannelPositions, evt); err != nil {
		s.logger.WarnContext(ctx, "ledger: publish event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}
