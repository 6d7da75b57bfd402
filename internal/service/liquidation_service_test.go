package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendvault/lendvault/internal/chain"
	"github.com/lendvault/lendvault/internal/domain"
)

type fakeSubmitter struct {
	submitted  []chain.TxIntent
	hash       string
	submitErr  error
	confirmErr error
}

func (f *fakeSubmitter) Submit(_ context.Context, intent chain.TxIntent) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, intent)
	return f.hash, nil
}

func (f *fakeSubmitter) Confirm(context.Context, string) error {
	return f.confirmErr
}

type liquidationFixture struct {
	svc       *LiquidationService
	ledger    *LedgerService
	positions *memPositions
	policies  *memPolicies
	prices    *memPrices
	intents   *memIntents
	audit     *memAudit
	bus       *memBus
	now       time.Time
}

func newLiquidationFixture(t *testing.T, submitter chain.Submitter) *liquidationFixture {
	t.Helper()
	f := &liquidationFixture{
		positions: newMemPositions(),
		policies:  newMemPolicies(),
		prices:    newMemPrices(),
		intents:   newMemIntents(),
		audit:     newMemAudit(),
		bus:       newMemBus(),
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := testLogger()
	f.ledger = NewLedgerService(f.positions, f.policies, f.prices, f.audit, newMemLocks(), f.bus, LedgerConfig{}, logger)
	f.ledger.now = func() time.Time { return f.now }
	f.svc = NewLiquidationService(
		f.positions, f.policies, f.prices, f.intents,
		f.ledger, submitter, f.audit, f.bus, nil,
		LiquidationConfig{IntentDeadline: 15 * time.Minute}, logger,
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// activePosition seeds an active position directly in the store.
func (f *liquidationFixture) activePosition(t *testing.T, id string, collateral, principal float64) {
	t.Helper()
	err := f.positions.Create(context.Background(), domain.Position{
		ID:               id,
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: collateral,
		BorrowAsset:      "USDC",
		Principal:        principal,
		InterestRate:     5,
		Status:           domain.PositionStatusActive,
		CreatedAt:        f.now,
		LastAccrualAt:    f.now,
	})
	require.NoError(t, err)
}

func (f *liquidationFixture) quote(t *testing.T, asset string, price float64) {
	t.Helper()
	_, err := f.prices.Insert(context.Background(), domain.PriceQuote{
		Asset:    asset,
		Price:    price,
		Approved: true,
		QuotedAt: f.now,
	})
	require.NoError(t, err)
}

func TestEvaluateFlagsCriticalPosition(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	// 1 BTC at 40000 against 40000 borrowed: HF = 40000*0.95/40000 = 0.95.
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	assert.Equal(t, domain.TierCritical, reports[0].Tier)
	assert.InDelta(t, 0.95, reports[0].HealthFactor, 1e-9)
	require.NotEmpty(t, reports[0].IntentID)

	intent, err := f.intents.GetByID(context.Background(), reports[0].IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, intent.Status)
	assert.Equal(t, "pos-1", intent.PositionID)
	assert.Equal(t, 40000.0, intent.Outstanding)
	// The full debt is liquidated; min_out is the 1 BTC covering it at the
	// flagged price, less the 1% slippage allowance.
	assert.Equal(t, 40000.0, intent.AmountToLiquidate)
	assert.InDelta(t, 0.99, intent.MinOut, 1e-9)
	assert.Equal(t, f.now.Add(15*time.Minute), intent.Deadline)

	assert.True(t, f.audit.hasEvent("liquidation_flagged"))
}

func TestEvaluateIsIdempotent(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	first, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)
	second, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].IntentID, second[0].IntentID)

	pending, err := f.intents.List(context.Background(), domain.IntentStatusPending, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEvaluateSkipsMissingPrice(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	// No quote at all for BTC.

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)
	assert.Empty(t, reports)

	pending, err := f.intents.List(context.Background(), domain.IntentStatusPending, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEvaluateTiers(t *testing.T) {
	cases := []struct {
		name       string
		price      float64
		tier       domain.HealthTier
		wantIntent bool
	}{
		// HF = price * 0.95 / 40000 for 1 BTC against 40000, so the four
		// prices land at 0.95, 1.14, 1.425 and 1.9.
		{"critical", 40000, domain.TierCritical, true},
		{"warning", 48000, domain.TierWarning, false},
		{"watch", 60000, domain.TierWatch, false},
		{"healthy", 80000, domain.TierHealthy, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newLiquidationFixture(t, nil)
			f.activePosition(t, "pos-1", 1, 40000)
			f.quote(t, "BTC", tc.price)

			reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
			require.NoError(t, err)
			require.Len(t, reports, 1)
			assert.Equal(t, tc.tier, reports[0].Tier)

			if tc.wantIntent {
				assert.NotEmpty(t, reports[0].IntentID)
			} else {
				assert.Empty(t, reports[0].IntentID)
			}
		})
	}
}

func TestExecuteIntentWithoutChain(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	executed, err := f.svc.ExecuteIntent(context.Background(), reports[0].IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusExecuted, executed.Status)
	assert.Empty(t, executed.TxHash)

	pos, err := f.positions.GetByID(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusLiquidated, pos.Status)

	assert.True(t, f.audit.hasEvent("liquidation_executed"))
	assert.True(t, f.audit.hasEvent("loan_liquidated"))
}

func TestExecuteIntentSubmitsOnChain(t *testing.T) {
	submitter := &fakeSubmitter{hash: "0xabc"}
	f := newLiquidationFixture(t, submitter)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)

	executed, err := f.svc.ExecuteIntent(context.Background(), reports[0].IntentID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", executed.TxHash)

	require.Len(t, submitter.submitted, 1)
	liq, ok := submitter.submitted[0].(chain.LiquidateLoan)
	require.True(t, ok)
	assert.Equal(t, "pos-1", liq.PositionID)
	assert.Equal(t, reports[0].IntentID, liq.IntentID)
	assert.Equal(t, 40000.0, liq.Amount)
	assert.InDelta(t, 0.99, liq.MinOut, 1e-9)
}

func TestExecuteIntentSubmitFailureMarksFailed(t *testing.T) {
	submitter := &fakeSubmitter{submitErr: errors.New("rpc down")}
	f := newLiquidationFixture(t, submitter)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)

	_, err = f.svc.ExecuteIntent(context.Background(), reports[0].IntentID)
	require.Error(t, err)

	intent, err := f.intents.GetByID(context.Background(), reports[0].IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, intent.Status)

	// The position stays active.
	pos, err := f.positions.GetByID(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusActive, pos.Status)
}

func TestExecuteIntentPastDeadline(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)

	f.now = f.now.Add(16 * time.Minute)
	_, err = f.svc.ExecuteIntent(context.Background(), reports[0].IntentID)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestExecuteIntentRequiresPending(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)

	_, err = f.svc.ExecuteIntent(context.Background(), reports[0].IntentID)
	require.NoError(t, err)

	// Second execution of the same intent conflicts.
	_, err = f.svc.ExecuteIntent(context.Background(), reports[0].IntentID)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestExpireIntents(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)

	// Nothing expires before the deadline.
	n, err := f.svc.ExpireIntents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(16 * time.Minute)
	n, err = f.svc.ExpireIntents(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	intent, err := f.intents.GetByID(context.Background(), reports[0].IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusExpired, intent.Status)

	// A later sweep can flag the position again.
	again, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.NotEqual(t, reports[0].IntentID, again[0].IntentID)
}

func TestReplayEventsReturnsStreamedEvents(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	_, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)

	msgs, err := f.svc.ReplayEvents(context.Background(), "", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Payload), `"type":"flagged"`)

	// Resuming after the last seen ID yields nothing new.
	msgs, err = f.svc.ReplayEvents(context.Background(), msgs[0].ID, 100)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// hookedPrices runs a callback after serving the approved quote, letting a
// test mutate state between the sweep's price read and the flag write.
type hookedPrices struct {
	*memPrices
	afterLatestApproved func()
}

func (h *hookedPrices) LatestApproved(ctx context.Context, asset string) (domain.PriceQuote, error) {
	q, err := h.memPrices.LatestApproved(ctx, asset)
	if h.afterLatestApproved != nil {
		hook := h.afterLatestApproved
		h.afterLatestApproved = nil
		hook()
	}
	return q, err
}

func TestEvaluateSkipsPositionRepaidMidSweep(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	// The borrower fully repays after the sweep read the price but before
	// the intent write.
	hooked := &hookedPrices{memPrices: f.prices}
	hooked.afterLatestApproved = func() {
		_, err := f.ledger.Repay(context.Background(), "pos-1", 40000)
		require.NoError(t, err)
	}
	svc := NewLiquidationService(
		f.positions, f.policies, hooked, f.intents,
		f.ledger, nil, f.audit, f.bus, nil,
		LiquidationConfig{IntentDeadline: 15 * time.Minute}, testLogger(),
	)
	svc.now = func() time.Time { return f.now }

	reports, err := svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].IntentID)

	pos, err := f.positions.GetByID(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)

	pending, err := f.intents.List(context.Background(), domain.IntentStatusPending, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, pending, "a closed position must not carry a pending intent")
}

func TestExecuteIntentRefusesSettledPosition(t *testing.T) {
	submitter := &fakeSubmitter{hash: "0xabc"}
	f := newLiquidationFixture(t, submitter)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)

	reports, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{})
	require.NoError(t, err)
	require.NotEmpty(t, reports[0].IntentID)

	// Full repayment closes the position while the intent is still pending.
	_, err = f.ledger.Repay(context.Background(), "pos-1", 40000)
	require.NoError(t, err)

	_, err = f.svc.ExecuteIntent(context.Background(), reports[0].IntentID)
	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)

	// Nothing reached the chain and the intent is dead.
	assert.Empty(t, submitter.submitted)
	intent, err := f.intents.GetByID(context.Background(), reports[0].IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, intent.Status)
}

func TestLiquidationTermsCappedByCollateral(t *testing.T) {
	// Debt worth more than the collateral: min_out caps at what the
	// position holds.
	amount, minOut := liquidationTerms(40000, 1, 30000)
	assert.Equal(t, 40000.0, amount)
	assert.InDelta(t, 0.99, minOut, 1e-9)

	// Debt covered by a fraction of the collateral.
	amount, minOut = liquidationTerms(20000, 1, 40000)
	assert.Equal(t, 20000.0, amount)
	assert.InDelta(t, 0.5*0.99, minOut, 1e-9)
}

func TestEvaluateScoped(t *testing.T) {
	f := newLiquidationFixture(t, nil)
	f.activePosition(t, "pos-1", 1, 40000)
	f.quote(t, "BTC", 40000)
	require.NoError(t, f.positions.Create(context.Background(), domain.Position{
		ID:               "pos-2",
		Borrower:         "bob",
		CollateralAsset:  "ETH",
		CollateralAmount: 10,
		BorrowAsset:      "USDC",
		Principal:        20000,
		InterestRate:     5,
		Status:           domain.PositionStatusActive,
		CreatedAt:        f.now,
		LastAccrualAt:    f.now,
	}))
	f.quote(t, "ETH", 2500)

	byAsset, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{Asset: "ETH"})
	require.NoError(t, err)
	require.Len(t, byAsset, 1)
	assert.Equal(t, "pos-2", byAsset[0].PositionID)

	byID, err := f.svc.EvaluateLiquidations(context.Background(), EvaluateScope{PositionID: "pos-1"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "pos-1", byID[0].PositionID)
}
