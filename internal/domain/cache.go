package domain

import (
	"context"
	"time"
)

// PriceCache mirrors the latest oracle quotes for the dashboard. Risk
// gating never reads from here; the authoritative quote lives in Postgres.
type PriceCache interface {
	SetPrice(ctx context.Context, asset string, price float64, approved bool, ts time.Time) error
	GetPrice(ctx context.Context, asset string) (float64, time.Time, error)
	GetPrices(ctx context.Context, assets []string) (map[string]float64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
