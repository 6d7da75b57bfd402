package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendvault/lendvault/internal/domain"
)

func TestLoanToValue(t *testing.T) {
	tests := []struct {
		name            string
		borrowed        float64
		collateralValue float64
		want            float64
	}{
		{"typical btc loan", 39000, 50000, 78},
		{"exactly at cap", 40000, 50000, 80},
		{"over cap", 41000, 50000, 82},
		{"zero collateral", 1000, 0, 0},
		{"zero borrowed", 0, 50000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, LoanToValue(tt.borrowed, tt.collateralValue), 1e-9)
		})
	}
}

func TestHealthFactor(t *testing.T) {
	tests := []struct {
		name       string
		collateral float64
		borrowed   float64
		threshold  float64
		want       float64
	}{
		{"healthy", 50000, 20000, 0.95, 2.375},
		{"at liquidation boundary", 40000, 38000, 0.95, 1.0},
		{"underwater", 40000, 42750, 0.95, 0.888888888888889},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, HealthFactor(tt.collateral, tt.borrowed, tt.threshold), 1e-9)
		})
	}
}

func TestHealthFactorNoDebt(t *testing.T) {
	hf := HealthFactor(50000, 0, 0.95)
	require.Equal(t, SafeHealthFactor, hf)
	assert.Equal(t, domain.TierHealthy, ClassifyHealth(hf))
}

func TestHealthFactorMonotonicInCollateral(t *testing.T) {
	prev := 0.0
	for value := 10000.0; value <= 100000; value += 10000 {
		hf := HealthFactor(value, 30000, 0.95)
		require.Greater(t, hf, prev, "health factor must rise with collateral value")
		prev = hf
	}
}

func TestLiquidationPrice(t *testing.T) {
	// 1.5 BTC backing a 39000 loan at a 0.95 threshold liquidates when the
	// price falls to 39000 / (1.5 * 0.95).
	got := LiquidationPrice(39000, 1.5, 0.95)
	assert.InDelta(t, 27368.421052631578, got, 1e-6)

	assert.Zero(t, LiquidationPrice(39000, 0, 0.95))
	assert.Zero(t, LiquidationPrice(39000, 1.5, 0))
}

func TestLiquidationPriceRoundTrip(t *testing.T) {
	// At exactly the liquidation price the health factor is 1.0.
	borrowed, amount, threshold := 39000.0, 1.5, 0.95
	price := LiquidationPrice(borrowed, amount, threshold)
	hf := HealthFactor(price*amount, borrowed, threshold)
	assert.InDelta(t, 1.0, hf, 1e-9)
}

func TestAccruedInterest(t *testing.T) {
	tests := []struct {
		name      string
		principal float64
		rate      float64
		days      float64
		want      float64
	}{
		{"thirty days", 10000, 5, 30, 41.10},
		{"full year", 10000, 5, 365, 500.00},
		{"same day floors to one", 10000, 5, 0, 1.37},
		{"fractional day floors to one", 10000, 5, 0.25, 1.37},
		{"zero principal", 0, 5, 30, 0},
		{"zero rate", 10000, 0, 30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AccruedInterest(tt.principal, tt.rate, tt.days), 1e-9)
		})
	}
}

func TestMaxBorrowable(t *testing.T) {
	assert.InDelta(t, 40000, MaxBorrowable(50000, 80), 1e-9)
	assert.Zero(t, MaxBorrowable(0, 80))
}

func TestClassifyHealth(t *testing.T) {
	tests := []struct {
		hf   float64
		want domain.HealthTier
	}{
		{0.5, domain.TierCritical},
		{0.889, domain.TierCritical},
		{0.999999, domain.TierCritical},
		{1.0, domain.TierWarning},
		{1.19, domain.TierWarning},
		{1.2, domain.TierWatch},
		{1.49, domain.TierWatch},
		{1.5, domain.TierHealthy},
		{3.0, domain.TierHealthy},
		{SafeHealthFactor, domain.TierHealthy},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyHealth(tt.hf), "health factor %v", tt.hf)
	}
}
