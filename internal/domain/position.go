package domain

import "time"

// PositionStatus tracks where a loan position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusPending    PositionStatus = "pending"
	PositionStatusActive     PositionStatus = "active"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s PositionStatus) bool {
	switch s {
	case PositionStatusPending, PositionStatusActive, PositionStatusClosed, PositionStatusLiquidated:
		return true
	}
	return false
}

// CanTransition reports whether a position may move from one status to
// another. Pending positions activate on confirmation; active positions
// either close through repayment or get liquidated. Closed and liquidated
// are terminal.
func CanTransition(from, to PositionStatus) bool {
	switch from {
	case PositionStatusPending:
		return to == PositionStatusActive
	case PositionStatusActive:
		return to == PositionStatusClosed || to == PositionStatusLiquidated
	}
	return false
}

// Position is a collateralized loan. Principal and AccruedInterest together
// form the outstanding debt; LastAccrualAt anchors the interest clock.
// Version guards concurrent writers: every mutation increments it and store
// updates are conditioned on the value read.
type Position struct {
	ID               string         `json:"id"`
	Borrower         string         `json:"borrower"`
	CollateralAsset  string         `json:"collateral_asset"`
	CollateralAmount float64        `json:"collateral_amount"`
	BorrowAsset      string         `json:"borrow_asset"`
	Principal        float64        `json:"principal"`
	AccruedInterest  float64        `json:"accrued_interest"`
	InterestRate     float64        `json:"interest_rate"` // annual, percent
	Status           PositionStatus `json:"status"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	LastAccrualAt    time.Time      `json:"last_accrual_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
}

// Outstanding is the total debt on the position.
func (p Position) Outstanding() float64 {
	return p.Principal + p.AccruedInterest
}

// PositionRisk is a position enriched with derived risk numbers computed
// from a fresh price read. The derived fields are never stored.
type PositionRisk struct {
	Position
	CollateralPrice  float64 `json:"collateral_price"`
	CollateralValue  float64 `json:"collateral_value"`
	LoanToValue      float64 `json:"loan_to_value"`
	HealthFactor     float64 `json:"health_factor"`
	LiquidationPrice float64 `json:"liquidation_price"`
	HealthTier       string  `json:"health_tier,omitempty"`
}
