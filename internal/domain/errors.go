package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflicting concurrent update")
	ErrLockHeld              = errors.New("lock already held")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrRateLimited           = errors.New("rate limited")
	ErrContextDone           = errors.New("context cancelled")
)

// ValidationError reports a structurally invalid request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PolicyViolationError reports a request that is well formed but exceeds the
// asset's lending policy. ComputedLTV carries the offending number so the
// caller can show it.
type PolicyViolationError struct {
	Asset          string
	ComputedLTV    float64
	MaxLTV         float64
	CircuitBreaker bool
}

func (e *PolicyViolationError) Error() string {
	if e.CircuitBreaker {
		return fmt.Sprintf("policy violation: circuit breaker active for %s", e.Asset)
	}
	return fmt.Sprintf("policy violation: ltv %.2f%% exceeds max %.2f%% for %s", e.ComputedLTV, e.MaxLTV, e.Asset)
}

// InvalidTransitionError reports a lifecycle operation applied to a position
// in the wrong state.
type InvalidTransitionError struct {
	From PositionStatus
	To   PositionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// InsufficientDebtError reports a repayment larger than the outstanding debt.
type InsufficientDebtError struct {
	Requested   float64
	Outstanding float64
}

func (e *InsufficientDebtError) Error() string {
	return fmt.Sprintf("repayment %.2f exceeds outstanding debt %.2f", e.Requested, e.Outstanding)
}
