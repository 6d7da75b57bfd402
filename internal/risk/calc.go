// Package risk holds the pure lending math. Every function is deterministic,
// takes plain float64 inputs, and performs no I/O, so the service layer can
// call them inline and the numbers are trivially testable.
package risk

import (
	"math"

	"github.com/lendvault/lendvault/internal/domain"
)

// SafeHealthFactor is returned when a position carries no debt. Any real
// health factor is finite, so the sentinel compares above every boundary.
const SafeHealthFactor = math.MaxFloat64

// LoanToValue returns the loan-to-value ratio as a percentage. A position
// with zero collateral value has an LTV of 0 rather than a division error;
// the policy gate rejects such positions elsewhere.
func LoanToValue(borrowed, collateralValue float64) float64 {
	if collateralValue == 0 {
		return 0
	}
	return borrowed / collateralValue * 100
}

// HealthFactor returns the ratio of discounted collateral to debt. Values
// below 1.0 mean the position is liquidatable. A debt-free position returns
// SafeHealthFactor.
func HealthFactor(collateralValue, borrowed, liquidationThreshold float64) float64 {
	if borrowed == 0 {
		return SafeHealthFactor
	}
	return collateralValue * liquidationThreshold / borrowed
}

// LiquidationPrice returns the collateral price at which the health factor
// reaches exactly 1.0. Zero collateral yields 0.
func LiquidationPrice(borrowed, collateralAmount, liquidationThreshold float64) float64 {
	if collateralAmount == 0 || liquidationThreshold == 0 {
		return 0
	}
	return borrowed / (collateralAmount * liquidationThreshold)
}

// AccruedInterest returns simple interest on a principal over a number of
// days at an annual percentage rate. Loans are billed for at least one day,
// and the result is rounded to cents.
func AccruedInterest(principal, annualRatePercent, daysElapsed float64) float64 {
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	interest := principal * (annualRatePercent / 100) * (daysElapsed / 365)
	return math.Round(interest*100) / 100
}

// MaxBorrowable returns the largest loan the collateral supports under the
// given maximum LTV percentage.
func MaxBorrowable(collateralValue, maxLTVPercent float64) float64 {
	return collateralValue * maxLTVPercent / 100
}

// ClassifyHealth buckets a health factor into an alerting tier. Boundaries
// are fixed: below 1.0 the position is liquidatable, below 1.2 it needs
// attention, below 1.5 it is worth watching.
func ClassifyHealth(healthFactor float64) domain.HealthTier {
	switch {
	case healthFactor < 1.0:
		return domain.TierCritical
	case healthFactor < 1.2:
		return domain.TierWarning
	case healthFactor < 1.5:
		return domain.TierWatch
	default:
		return domain.TierHealthy
	}
}
