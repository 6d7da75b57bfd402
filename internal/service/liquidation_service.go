package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lendvault/lendvault/internal/chain"
	"github.com/lendvault/lendvault/internal/domain"
	"github.com/lendvault/lendvault/internal/notify"
	"github.com/lendvault/lendvault/internal/risk"
)

// LiquidationConfig holds the sweep parameters.
type LiquidationConfig struct {
	// IntentDeadline bounds how long a pending intent stays executable.
	IntentDeadline time.Duration
}

// liquidationSlippage is the haircut applied to the collateral an intent
// expects back, tolerating price drift between flagging and settlement.
const liquidationSlippage = 0.01

// liquidationTerms derives the intent's amounts from the debt, collateral,
// and price at flag time: the full outstanding debt is liquidated, and
// minOut is the collateral covering that debt at the flagged price, capped
// at what the position actually holds, less the slippage allowance.
func liquidationTerms(outstanding, collateral, price float64) (amount, minOut float64) {
	amount = outstanding
	needed := outstanding / price
	if needed > collateral {
		needed = collateral
	}
	return amount, needed * (1 - liquidationSlippage)
}

// LiquidationService watches active positions, flags the ones whose health
// factor crossed the critical boundary, and settles flagged positions
// through the chain client. Positions with no approved price are skipped:
// an unknown price is never grounds for liquidation.
type LiquidationService struct {
	positions domain.PositionStore
	policies  domain.PolicyStore
	prices    domain.PriceStore
	intents   domain.IntentStore
	ledger    *LedgerService
	submitter chain.Submitter
	audit     domain.AuditStore
	bus       domain.SignalBus
	notifier  *notify.Notifier
	cfg       LiquidationConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewLiquidationService creates a LiquidationService. submitter may be nil,
// in which case intents settle locally without a chain transaction.
func NewLiquidationService(
	positions domain.PositionStore,
	policies domain.PolicyStore,
	prices domain.PriceStore,
	intents domain.IntentStore,
	ledger *LedgerService,
	submitter chain.Submitter,
	audit domain.AuditStore,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	cfg LiquidationConfig,
	logger *slog.Logger,
) *LiquidationService {
	if cfg.IntentDeadline <= 0 {
		cfg.IntentDeadline = 15 * time.Minute
	}
	return &LiquidationService{
		positions: positions,
		policies:  policies,
		prices:    prices,
		intents:   intents,
		ledger:    ledger,
		submitter: submitter,
		audit:     audit,
		bus:       bus,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateScope narrows a sweep to one position or one collateral asset.
// The zero value sweeps every active position.
type EvaluateScope struct {
	PositionID string
	Asset      string
}

// EvaluateLiquidations sweeps the active positions in scope, classifies each
// into a health tier, and creates a liquidation intent for the critical ones.
// The sweep is idempotent: a position that already has a pending intent is
// reported with that intent instead of a new one.
func (s *LiquidationService) EvaluateLiquidations(ctx context.Context, scope EvaluateScope) ([]domain.TierReport, error) {
	positions, err := s.scopedPositions(ctx, scope)
	if err != nil {
		return nil, err
	}

	reports := make([]domain.TierReport, 0, len(positions))
	for _, pos := range positions {
		report, err := s.evaluate(ctx, pos)
		if err != nil {
			s.logger.WarnContext(ctx, "liquidation: evaluate failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}

	return reports, nil
}

// scopedPositions resolves the sweep's working set.
func (s *LiquidationService) scopedPositions(ctx context.Context, scope EvaluateScope) ([]domain.Position, error) {
	if scope.PositionID != "" {
		pos, err := s.positions.GetByID(ctx, scope.PositionID)
		if err != nil {
			return nil, fmt.Errorf("liquidation: get position %s: %w", scope.PositionID, err)
		}
		if pos.Status != domain.PositionStatusActive {
			return nil, nil
		}
		return []domain.Position{pos}, nil
	}

	positions, err := s.positions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidation: list active: %w", err)
	}
	if scope.Asset == "" {
		return positions, nil
	}

	scoped := positions[:0]
	for _, pos := range positions {
		if pos.CollateralAsset == scope.Asset {
			scoped = append(scoped, pos)
		}
	}
	return scoped, nil
}

// evaluate classifies one position. A nil report means the position was
// skipped for lack of an approved price.
func (s *LiquidationService) evaluate(ctx context.Context, pos domain.Position) (*domain.TierReport, error) {
	quote, err := s.prices.LatestApproved(ctx, pos.CollateralAsset)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "liquidation: no approved price, skipping",
				slog.String("position_id", pos.ID),
				slog.String("asset", pos.CollateralAsset),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("price for %s: %w", pos.CollateralAsset, err)
	}

	policy, err := s.policies.GetPolicy(ctx, pos.CollateralAsset)
	if err != nil {
		return nil, fmt.Errorf("policy for %s: %w", pos.CollateralAsset, err)
	}

	outstanding := pos.Outstanding()
	hf := risk.HealthFactor(pos.CollateralAmount*quote.Price, outstanding, policy.LiquidationThreshold())
	tier := risk.ClassifyHealth(hf)

	report := domain.TierReport{
		PositionID:   pos.ID,
		Borrower:     pos.Borrower,
		HealthFactor: hf,
		Tier:         tier,
	}

	switch tier {
	case domain.TierCritical:
		intent, created, err := s.flag(ctx, pos, hf, outstanding, quote.Price)
		if err != nil {
			return nil, err
		}
		report.IntentID = intent.ID
		if created {
			s.notifyTier(ctx, notify.EventLiquidationFlagged, pos, hf)
		}
	case domain.TierWarning:
		s.publishTier(ctx, "flagged", pos.ID, "", tier, hf)
		s.notifyTier(ctx, notify.EventMarginWarning, pos, hf)
	}

	return &report, nil
}

// flag creates the pending intent for a critical position. The position's
// status is re-read immediately before the insert: a position repaid or
// settled between the sweep's snapshot and this point must not be flagged.
func (s *LiquidationService) flag(ctx context.Context, pos domain.Position, hf, outstanding, price float64) (domain.LiquidationIntent, bool, error) {
	current, err := s.positions.GetByID(ctx, pos.ID)
	if err != nil {
		return domain.LiquidationIntent{}, false, fmt.Errorf("recheck position: %w", err)
	}
	if current.Status != domain.PositionStatusActive {
		s.logger.InfoContext(ctx, "liquidation: position left active mid-sweep, not flagging",
			slog.String("position_id", pos.ID),
			slog.String("status", string(current.Status)),
		)
		return domain.LiquidationIntent{}, false, nil
	}

	amount, minOut := liquidationTerms(outstanding, pos.CollateralAmount, price)

	now := s.now()
	intent := domain.LiquidationIntent{
		ID:                uuid.New().String(),
		PositionID:        pos.ID,
		Borrower:          pos.Borrower,
		HealthFactor:      hf,
		Outstanding:       outstanding,
		AmountToLiquidate: amount,
		MinOut:            minOut,
		Status:            domain.IntentStatusPending,
		Deadline:          now.Add(s.cfg.IntentDeadline),
		CreatedAt:         now,
	}

	stored, created, err := s.intents.Create(ctx, intent)
	if err != nil {
		return domain.LiquidationIntent{}, false, fmt.Errorf("create intent: %w", err)
	}
	if !created {
		return stored, false, nil
	}

	s.auditLog(ctx, "liquidation_flagged", "intent", stored.ID, map[string]any{
		"position_id":         pos.ID,
		"borrower":            pos.Borrower,
		"health_factor":       hf,
		"outstanding":         outstanding,
		"amount_to_liquidate": amount,
		"min_out":             minOut,
	})
	s.publishTier(ctx, "flagged", pos.ID, stored.ID, domain.TierCritical, hf)

	s.logger.InfoContext(ctx, "liquidation: position flagged",
		slog.String("position_id", pos.ID),
		slog.String("intent_id", stored.ID),
		slog.Float64("health_factor", hf),
	)
	return stored, true, nil
}

// ExecuteIntent settles a pending intent: the liquidation is submitted
// through the chain client (when configured), the intent is marked executed,
// and the position transitions to liquidated.
func (s *LiquidationService) ExecuteIntent(ctx context.Context, id string) (domain.LiquidationIntent, error) {
	intent, err := s.intents.GetByID(ctx, id)
	if err != nil {
		return domain.LiquidationIntent{}, fmt.Errorf("liquidation: get intent %s: %w", id, err)
	}
	if intent.Status != domain.IntentStatusPending {
		return domain.LiquidationIntent{}, fmt.Errorf("liquidation: intent %s is %s: %w", id, intent.Status, domain.ErrConflict)
	}
	if s.now().After(intent.Deadline) {
		return domain.LiquidationIntent{}, fmt.Errorf("liquidation: intent %s past deadline: %w", id, domain.ErrConflict)
	}

	// The position must still be active when the destructive call fires; a
	// borrower who repaid after the flag voids the intent.
	pos, err := s.positions.GetByID(ctx, intent.PositionID)
	if err != nil {
		return domain.LiquidationIntent{}, fmt.Errorf("liquidation: get position %s: %w", intent.PositionID, err)
	}
	if pos.Status != domain.PositionStatusActive {
		if markErr := s.intents.MarkFailed(ctx, id); markErr != nil {
			s.logger.ErrorContext(ctx, "liquidation: mark stale intent failed",
				slog.String("intent_id", id),
				slog.String("error", markErr.Error()),
			)
		}
		return domain.LiquidationIntent{}, &domain.InvalidTransitionError{
			From: pos.Status,
			To:   domain.PositionStatusLiquidated,
		}
	}

	var txHash string
	if s.submitter != nil {
		txHash, err = s.submitter.Submit(ctx, chain.LiquidateLoan{
			PositionID: intent.PositionID,
			IntentID:   intent.ID,
			Amount:     intent.AmountToLiquidate,
			MinOut:     intent.MinOut,
		})
		if err != nil {
			if markErr := s.intents.MarkFailed(ctx, id); markErr != nil {
				s.logger.ErrorContext(ctx, "liquidation: mark intent failed",
					slog.String("intent_id", id),
					slog.String("error", markErr.Error()),
				)
			}
			s.notifyEvent(ctx, notify.EventChainFailure, "Liquidation submit failed",
				fmt.Sprintf("position %s intent %s: %v", intent.PositionID, id, err))
			return domain.LiquidationIntent{}, fmt.Errorf("liquidation: submit intent %s: %w", id, err)
		}
		if err := s.submitter.Confirm(ctx, txHash); err != nil {
			// The transaction may still land; the intent stays pending so
			// the operator can retry or expire it.
			return domain.LiquidationIntent{}, fmt.Errorf("liquidation: confirm intent %s: %w", id, err)
		}
	}

	if err := s.intents.MarkExecuted(ctx, id, txHash); err != nil {
		return domain.LiquidationIntent{}, fmt.Errorf("liquidation: mark executed %s: %w", id, err)
	}
	if err := s.ledger.MarkLiquidated(ctx, intent.PositionID, intent.ID); err != nil {
		// The intent settled but the position transition lost a race.
		// Surface the error; the audit trail keeps both sides.
		return domain.LiquidationIntent{}, fmt.Errorf("liquidation: settle position %s: %w", intent.PositionID, err)
	}

	intent.Status = domain.IntentStatusExecuted
	intent.TxHash = txHash

	s.auditLog(ctx, "liquidation_executed", "intent", id, map[string]any{
		"position_id": intent.PositionID,
		"tx_hash":     txHash,
	})
	s.publishTier(ctx, "executed", intent.PositionID, id, domain.TierCritical, intent.HealthFactor)
	s.notifyEvent(ctx, notify.EventLiquidationExecuted, "Liquidation executed",
		fmt.Sprintf("position %s settled (intent %s)", intent.PositionID, id))

	s.logger.InfoContext(ctx, "liquidation: intent executed",
		slog.String("intent_id", id),
		slog.String("position_id", intent.PositionID),
		slog.String("tx_hash", txHash),
	)
	return intent, nil
}

// ExpireIntents moves pending intents past their deadline to expired.
func (s *LiquidationService) ExpireIntents(ctx context.Context) (int64, error) {
	n, err := s.intents.ExpirePending(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("liquidation: expire intents: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "liquidation: intents expired",
			slog.Int64("count", n),
		)
		s.auditLog(ctx, "liquidation_intents_expired", "intent", "", map[string]any{
			"count": n,
		})
	}
	return n, nil
}

// ListIntents returns intents, optionally filtered by status.
func (s *LiquidationService) ListIntents(ctx context.Context, status domain.IntentStatus, opts domain.ListOpts) ([]domain.LiquidationIntent, error) {
	intents, err := s.intents.List(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("liquidation: list intents: %w", err)
	}
	return intents, nil
}

// ReplayEvents reads liquidation events from the durable stream, starting
// after lastID. Pass an empty lastID to read from the beginning.
func (s *LiquidationService) ReplayEvents(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := s.bus.StreamRead(ctx, domain.StreamLiquidations, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("liquidation: replay events: %w", err)
	}
	return msgs, nil
}

func (s *LiquidationService) auditLog(ctx context.Context, eventType, entityType, entityID string, detail map[string]any) {
	if err := s.audit.Log(ctx, eventType, entityType, entityID, detail); err != nil {
		s.logger.WarnContext(ctx, "liquidation: audit log failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LiquidationService) publishTier(ctx context.Context, event, positionID, intentID string, tier domain.HealthTier, hf float64) {
	evt, _ := json.Marshal(domain.LiquidationEvent{
		Type:         event,
		PositionID:   positionID,
		IntentID:     intentID,
		Tier:         tier,
		HealthFactor: hf,
		At:           s.now(),
	})
	if err := s.bus.Publish(ctx, domain.ChannelLiquidations, evt); err != nil {
		s.logger.WarnContext(ctx, "liquidation: publish event failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamLiquidations, evt); err != nil {
		s.logger.WarnContext(ctx, "liquidation: stream append failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LiquidationService) notifyTier(ctx context.Context, event notify.Event, pos domain.Position, hf float64) {
	s.notifyEvent(ctx, event, fmt.Sprintf("Position %s", pos.ID),
		fmt.Sprintf("borrower %s health factor %.3f", pos.Borrower, hf))
}

func (s *LiquidationService) notifyEvent(ctx context.Context, event notify.Event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "liquidation: notify failed",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
}
