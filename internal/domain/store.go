package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionFilter narrows position list queries. Zero values match all.
type PositionFilter struct {
	Borrower string
	Status   PositionStatus
	ListOpts
}

// PositionStore persists loan positions. Update and UpdateStatus are
// conditional on the version recorded in the passed position and return
// ErrConflict when another writer got there first.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	Update(ctx context.Context, pos Position) error
	UpdateStatus(ctx context.Context, id string, from, to PositionStatus, version int64) error
	List(ctx context.Context, filter PositionFilter) ([]Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// PolicyStore persists per-asset lending policies.
type PolicyStore interface {
	GetPolicy(ctx context.Context, asset string) (Policy, error)
	Upsert(ctx context.Context, p Policy) error
	List(ctx context.Context) ([]Policy, error)
}

// PriceStore persists oracle price quotes. LatestApproved is the read used
// for risk gating; Latest also returns unapproved quotes for display.
type PriceStore interface {
	Insert(ctx context.Context, q PriceQuote) (int64, error)
	LatestApproved(ctx context.Context, asset string) (PriceQuote, error)
	Latest(ctx context.Context, asset string) (PriceQuote, error)
	ListHistory(ctx context.Context, asset string, opts ListOpts) ([]PriceQuote, error)
}

// IntentStore persists liquidation intents. Create is idempotent per
// position: a second pending intent for the same position returns the
// existing one untouched.
type IntentStore interface {
	Create(ctx context.Context, intent LiquidationIntent) (LiquidationIntent, bool, error)
	GetByID(ctx context.Context, id string) (LiquidationIntent, error)
	MarkExecuted(ctx context.Context, id, txHash string) error
	MarkFailed(ctx context.Context, id string) error
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	List(ctx context.Context, status IntentStatus, opts ListOpts) ([]LiquidationIntent, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID         int64          `json:"id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, eventType, entityType, entityID string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListByEntity(ctx context.Context, entityType, entityID string, opts ListOpts) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
