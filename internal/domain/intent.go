package domain

import "time"

// IntentStatus tracks a liquidation intent from creation to settlement.
type IntentStatus string

const (
	IntentStatusPending  IntentStatus = "pending"
	IntentStatusExecuted IntentStatus = "executed"
	IntentStatusExpired  IntentStatus = "expired"
	IntentStatusFailed   IntentStatus = "failed"
)

// LiquidationIntent records that a position crossed the critical health
// boundary and is queued for liquidation. At most one pending intent may
// exist per position; the evaluator re-creating an intent for an already
// flagged position is a no-op. AmountToLiquidate and MinOut are fixed from
// the collateral, debt, and price observed at flag time.
type LiquidationIntent struct {
	ID                string       `json:"id"`
	PositionID        string       `json:"position_id"`
	Borrower          string       `json:"borrower"`
	HealthFactor      float64      `json:"health_factor"`
	Outstanding       float64      `json:"outstanding"`
	AmountToLiquidate float64      `json:"amount_to_liquidate"`
	MinOut            float64      `json:"min_out"`
	Status            IntentStatus `json:"status"`
	TxHash            string       `json:"tx_hash,omitempty"`
	Deadline          time.Time    `json:"deadline"`
	CreatedAt         time.Time    `json:"created_at"`
	ExecutedAt        *time.Time   `json:"executed_at,omitempty"`
}

// HealthTier buckets a health factor for reporting and alerting.
type HealthTier string

const (
	TierCritical HealthTier = "critical" // below 1.0, liquidatable
	TierWarning  HealthTier = "warning"  // below 1.2
	TierWatch    HealthTier = "watch"    // below 1.5
	TierHealthy  HealthTier = "healthy"
)

// TierReport is one row of a liquidation sweep summary.
type TierReport struct {
	PositionID   string     `json:"position_id"`
	Borrower     string     `json:"borrower"`
	HealthFactor float64    `json:"health_factor"`
	Tier         HealthTier `json:"tier"`
	IntentID     string     `json:"intent_id,omitempty"`
}
