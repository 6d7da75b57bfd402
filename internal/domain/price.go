package domain

import "time"

// PriceQuote is a single oracle price observation for an asset. Only
// approved quotes participate in risk gating; unapproved quotes are kept
// for display and later review.
type PriceQuote struct {
	ID        int64     `json:"id"`
	Asset     string    `json:"asset"`
	Price     float64   `json:"price"`
	Source    string    `json:"source"`
	Approved  bool      `json:"approved"`
	QuotedAt  time.Time `json:"quoted_at"`
	CreatedAt time.Time `json:"created_at"`
}
