package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendvault/lendvault/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ledgerFixture struct {
	svc       *LedgerService
	positions *memPositions
	policies  *memPolicies
	prices    *memPrices
	audit     *memAudit
	bus       *memBus
	now       time.Time
}

func newLedgerFixture(t *testing.T, cfg LedgerConfig) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		positions: newMemPositions(),
		policies:  newMemPolicies(),
		prices:    newMemPrices(),
		audit:     newMemAudit(),
		bus:       newMemBus(),
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewLedgerService(f.positions, f.policies, f.prices, f.audit, newMemLocks(), f.bus, cfg, testLogger())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *ledgerFixture) quote(t *testing.T, asset string, price float64) {
	t.Helper()
	_, err := f.prices.Insert(context.Background(), domain.PriceQuote{
		Asset:    asset,
		Price:    price,
		Approved: true,
		QuotedAt: f.now,
	})
	require.NoError(t, err)
}

// open creates and confirms a position so tests can start from active.
func (f *ledgerFixture) openActive(t *testing.T, req OpenRequest) domain.Position {
	t.Helper()
	pos, err := f.svc.Open(context.Background(), req)
	require.NoError(t, err)
	pos, err = f.svc.Confirm(context.Background(), pos.ID)
	require.NoError(t, err)
	return pos
}

func TestOpenCreatesPendingPosition(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos, err := f.svc.Open(context.Background(), OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     39000,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusPending, pos.Status)
	assert.Equal(t, 39000.0, pos.Principal)
	assert.Zero(t, pos.AccruedInterest)
	assert.NotEmpty(t, pos.ID)

	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.ID, stored.ID)

	assert.True(t, f.audit.hasEvent("loan_created"))
	assert.Equal(t, []string{"opened"}, f.bus.eventTypes(domain.ChannelPositions))
}

func TestOpenLTVBoundaryInclusive(t *testing.T) {
	// 1 BTC at 50k: borrowing 40000 is exactly 80% LTV and must pass;
	// 40001 crosses the line.
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	req := OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     40000,
	}
	_, err := f.svc.Open(context.Background(), req)
	require.NoError(t, err)

	req.BorrowAmount = 40001
	_, err = f.svc.Open(context.Background(), req)
	var pvErr *domain.PolicyViolationError
	require.ErrorAs(t, err, &pvErr)
	assert.InDelta(t, 80.002, pvErr.ComputedLTV, 0.001)
	assert.Equal(t, 80.0, pvErr.MaxLTV)
}

func TestOpenCircuitBreakerRejects(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	policy := domain.DefaultPolicy("BTC")
	policy.CircuitBreaker = true
	require.NoError(t, f.policies.Upsert(context.Background(), policy))

	_, err := f.svc.Open(context.Background(), OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})
	var pvErr *domain.PolicyViolationError
	require.ErrorAs(t, err, &pvErr)
	assert.True(t, pvErr.CircuitBreaker)
}

func TestOpenMissingPrice(t *testing.T) {
	t.Run("rejects without fallback", func(t *testing.T) {
		f := newLedgerFixture(t, LedgerConfig{})
		_, err := f.svc.Open(context.Background(), OpenRequest{
			Borrower:         "alice",
			CollateralAsset:  "DOGE",
			CollateralAmount: 1000,
			BorrowAsset:      "USDC",
			BorrowAmount:     50,
		})
		require.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	})

	t.Run("uses default price table when enabled", func(t *testing.T) {
		f := newLedgerFixture(t, LedgerConfig{
			MissingPriceDefault: true,
			DefaultPrices:       map[string]float64{"DOGE": 0.2},
		})
		pos, err := f.svc.Open(context.Background(), OpenRequest{
			Borrower:         "alice",
			CollateralAsset:  "DOGE",
			CollateralAmount: 1000,
			BorrowAsset:      "USDC",
			BorrowAmount:     50,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.PositionStatusPending, pos.Status)
	})
}

func TestOpenValidation(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	cases := []struct {
		name  string
		mut   func(*OpenRequest)
		field string
	}{
		{"empty borrower", func(r *OpenRequest) { r.Borrower = "" }, "borrower"},
		{"zero collateral", func(r *OpenRequest) { r.CollateralAmount = 0 }, "collateral_amount"},
		{"negative borrow", func(r *OpenRequest) { r.BorrowAmount = -5 }, "borrow_amount"},
		{"empty borrow asset", func(r *OpenRequest) { r.BorrowAsset = "" }, "borrow_asset"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := OpenRequest{
				Borrower:         "alice",
				CollateralAsset:  "BTC",
				CollateralAmount: 1,
				BorrowAsset:      "USDC",
				BorrowAmount:     1000,
			}
			tc.mut(&req)
			_, err := f.svc.Open(context.Background(), req)
			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}

func TestConfirmTransitions(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos, err := f.svc.Open(context.Background(), OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})
	require.NoError(t, err)

	confirmed, err := f.svc.Confirm(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusActive, confirmed.Status)
	assert.Equal(t, pos.Version+1, confirmed.Version)

	// Confirming twice is an invalid transition.
	_, err = f.svc.Confirm(context.Background(), pos.ID)
	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, domain.PositionStatusActive, transErr.From)
}

func TestDrawRegatesLTV(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     30000,
	})

	// 30000 + 10000 = 40000 is exactly 80%.
	updated, err := f.svc.Draw(context.Background(), pos.ID, 10000)
	require.NoError(t, err)
	assert.Equal(t, 40000.0, updated.Principal)

	// Any further draw breaches the cap.
	_, err = f.svc.Draw(context.Background(), pos.ID, 1)
	var pvErr *domain.PolicyViolationError
	require.ErrorAs(t, err, &pvErr)
}

func TestDrawGatesOnPrincipalOnly(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     30000,
	})

	// Accrued interest would push the ratio to 90% but does not count
	// against the draw cap.
	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	stored.AccruedInterest = 5000
	require.NoError(t, f.positions.Update(context.Background(), stored))

	updated, err := f.svc.Draw(context.Background(), pos.ID, 10000)
	require.NoError(t, err)
	assert.Equal(t, 40000.0, updated.Principal)

	// The audit entry records the LTV the draw was gated at.
	entries, err := f.audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	var drawDetail map[string]any
	for _, e := range entries {
		if e.EventType == "draw" {
			drawDetail = e.Detail
		}
	}
	require.NotNil(t, drawDetail)
	assert.InDelta(t, 80.0, drawDetail["ltv"].(float64), 1e-9)
}

func TestOpenFixesEffectiveRate(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	policy := domain.DefaultPolicy("BTC")
	policy.InterestRate = 5
	policy.Spread = 1.5
	require.NoError(t, f.policies.Upsert(context.Background(), policy))

	pos, err := f.svc.Open(context.Background(), OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})
	require.NoError(t, err)
	assert.Equal(t, 6.5, pos.InterestRate)
}

func TestDrawRequiresActive(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos, err := f.svc.Open(context.Background(), OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})
	require.NoError(t, err)

	_, err = f.svc.Draw(context.Background(), pos.ID, 100)
	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, domain.PositionStatusPending, transErr.From)
}

func TestRepayInterestBeforePrincipal(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})

	// Seed accrued interest directly.
	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	stored.AccruedInterest = 50
	require.NoError(t, f.positions.Update(context.Background(), stored))

	updated, err := f.svc.Repay(context.Background(), pos.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, 20.0, updated.AccruedInterest)
	assert.Equal(t, 1000.0, updated.Principal)
	assert.Equal(t, domain.PositionStatusActive, updated.Status)

	// 70 clears the remaining interest and takes 50 off principal.
	updated, err = f.svc.Repay(context.Background(), pos.ID, 70)
	require.NoError(t, err)
	assert.Zero(t, updated.AccruedInterest)
	assert.Equal(t, 950.0, updated.Principal)
}

func TestRepayFullCloses(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})

	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	stored.AccruedInterest = 50
	require.NoError(t, f.positions.Update(context.Background(), stored))

	updated, err := f.svc.Repay(context.Background(), pos.ID, 1050)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, updated.Status)
	assert.Zero(t, updated.Principal)
	assert.Zero(t, updated.AccruedInterest)
	require.NotNil(t, updated.ClosedAt)
	assert.Equal(t, f.now, *updated.ClosedAt)

	assert.Contains(t, f.bus.eventTypes(domain.ChannelPositions), "closed")

	// A closed position accepts no further repayments.
	_, err = f.svc.Repay(context.Background(), pos.ID, 1)
	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
}

func TestRepayOverpaymentRejected(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})

	_, err := f.svc.Repay(context.Background(), pos.ID, 1000.01)
	var debtErr *domain.InsufficientDebtError
	require.ErrorAs(t, err, &debtErr)
	assert.Equal(t, 1000.01, debtErr.Requested)
	assert.Equal(t, 1000.0, debtErr.Outstanding)

	// The position is untouched.
	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, stored.Principal)
}

func TestAccrueInterestWholeDays(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	// Zero spread keeps the opened rate at the 5% base.
	policy := domain.DefaultPolicy("BTC")
	policy.Spread = 0
	require.NoError(t, f.policies.Upsert(context.Background(), policy))

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     10000,
	})

	// Less than a day elapsed: nothing accrues.
	f.now = f.now.Add(23 * time.Hour)
	require.NoError(t, f.svc.AccrueInterest(context.Background(), pos.ID))
	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.AccruedInterest)

	// 30 days at 5% on 10000: 10000 * 0.05 * 30/365 = 41.10.
	f.now = f.now.Add(30*24*time.Hour - 23*time.Hour)
	require.NoError(t, f.svc.AccrueInterest(context.Background(), pos.ID))
	stored, err = f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 41.10, stored.AccruedInterest)

	// The accrual window advanced, so an immediate re-run is a no-op.
	require.NoError(t, f.svc.AccrueInterest(context.Background(), pos.ID))
	again, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.AccruedInterest, again.AccruedInterest)
	assert.Equal(t, stored.LastAccrualAt, again.LastAccrualAt)
}

func TestMarkLiquidated(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})

	require.NoError(t, f.svc.MarkLiquidated(context.Background(), pos.ID, "intent-1"))

	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusLiquidated, stored.Status)

	// Terminal: a second attempt fails.
	err = f.svc.MarkLiquidated(context.Background(), pos.ID, "intent-2")
	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
}

func TestQueryRejectsUnknownStatus(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})

	_, err := f.svc.Query(context.Background(), "", domain.PositionStatus("bogus"), domain.ListOpts{})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "status", vErr.Field)
}

func TestGetEnrichesRisk(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{})
	f.quote(t, "BTC", 50000)

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     40000,
	})

	enriched, err := f.svc.Get(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, enriched.CollateralPrice)
	assert.Equal(t, 50000.0, enriched.CollateralValue)
	assert.Equal(t, 80.0, enriched.LoanToValue)
	// 50000 * 0.95 / 40000 = 1.1875, inside the warning tier.
	assert.InDelta(t, 1.1875, enriched.HealthFactor, 1e-9)
	assert.Equal(t, string(domain.TierWarning), enriched.HealthTier)
}

func TestGetWithoutPriceLeavesRiskZero(t *testing.T) {
	f := newLedgerFixture(t, LedgerConfig{
		MissingPriceDefault: true,
		DefaultPrices:       map[string]float64{"BTC": 50000},
	})

	pos := f.openActive(t, OpenRequest{
		Borrower:         "alice",
		CollateralAsset:  "BTC",
		CollateralAmount: 1,
		BorrowAsset:      "USDC",
		BorrowAmount:     1000,
	})

	enriched, err := f.svc.Get(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Zero(t, enriched.CollateralPrice)
	assert.Zero(t, enriched.HealthFactor)
	assert.Empty(t, enriched.HealthTier)
	assert.Equal(t, pos.Principal, enriched.Principal)
}
