package domain

import "time"

// Default lending policy applied when an asset has no stored row.
const (
	DefaultMaxLTV        = 80.0
	DefaultWarningBand   = 85.0
	DefaultMarginBand    = 90.0
	DefaultLiquidateBand = 95.0
)

// Policy is the per-asset risk configuration. The bands are LTV percentages:
// crossing WarningBand raises a warning, MarginBand triggers a margin call,
// and LiquidateBand is the threshold the health factor is computed against.
type Policy struct {
	Asset          string    `json:"asset"`
	MaxLTV         float64   `json:"max_ltv"`
	WarningBand    float64   `json:"warning_band"`
	MarginBand     float64   `json:"margin_band"`
	LiquidateBand  float64   `json:"liquidate_band"`
	InterestRate   float64   `json:"interest_rate"` // annual base rate, percent
	Spread         float64   `json:"spread"`        // annual, percent, added on top of the base rate
	CircuitBreaker bool      `json:"circuit_breaker"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultPolicy returns the built-in policy for an asset with no stored row.
func DefaultPolicy(asset string) Policy {
	return Policy{
		Asset:         asset,
		MaxLTV:        DefaultMaxLTV,
		WarningBand:   DefaultWarningBand,
		MarginBand:    DefaultMarginBand,
		LiquidateBand: DefaultLiquidateBand,
		InterestRate:  5.0,
		Spread:        0.5,
		Version:       0,
	}
}

// EffectiveRate is the rate a position is fixed at when it opens.
func (p Policy) EffectiveRate() float64 {
	return p.InterestRate + p.Spread
}

// LiquidationThreshold is the collateral discount factor derived from the
// liquidate band, e.g. a 95% band yields 0.95.
func (p Policy) LiquidationThreshold() float64 {
	return p.LiquidateBand / 100
}
