package domain

import "time"

// Event channels published on the signal bus and fanned out to the
// dashboard over WebSocket.
const (
	ChannelPositions    = "positions"
	ChannelPrices       = "prices"
	ChannelLiquidations = "liquidations"
	ChannelAudit        = "audit"
)

// PositionEvent announces a lifecycle change on a position.
type PositionEvent struct {
	Type       string         `json:"type"` // opened, confirmed, drawn, repaid, closed, liquidated
	PositionID string         `json:"position_id"`
	Borrower   string         `json:"borrower"`
	Status     PositionStatus `json:"status"`
	Principal  float64        `json:"principal"`
	Interest   float64        `json:"interest"`
	At         time.Time      `json:"at"`
}

// PriceEvent announces a new oracle quote.
type PriceEvent struct {
	Asset    string    `json:"asset"`
	Price    float64   `json:"price"`
	Approved bool      `json:"approved"`
	QuotedAt time.Time `json:"quoted_at"`
}

// StreamLiquidations is the durable stream that retains liquidation events
// for replay. Pub/sub delivery on ChannelLiquidations is fire-and-forget;
// the stream lets consumers that were offline catch up.
const StreamLiquidations = "stream:liquidations"

// LiquidationEvent announces a tier change or intent transition.
type LiquidationEvent struct {
	Type         string     `json:"type"` // flagged, executed, expired
	PositionID   string     `json:"position_id"`
	IntentID     string     `json:"intent_id,omitempty"`
	Tier         HealthTier `json:"tier"`
	HealthFactor float64    `json:"health_factor"`
	At           time.Time  `json:"at"`
}
