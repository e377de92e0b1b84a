package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services. The handler layer maps these to
// HTTP status codes.
var (
	// ErrConflict signals an optimistic-concurrency precondition failure:
	// the record changed between read and write. Callers retry with backoff.
	ErrConflict = errors.New("concurrent modification conflict")

	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order not cancellable")
	ErrAccountNotFound     = errors.New("account not found")
	ErrMarketClosed        = errors.New("market is closed")
	ErrNoLiquidity         = errors.New("no liquidity available")
)

// ValidationError represents a malformed request. It is rejected before
// anything is persisted and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Resource names used by InsufficientResourceError.
const (
	ResourcePoints = "points"
	ResourceShares = "shares"
)

// InsufficientResourceError means a balance or position was too low, either
// at order acceptance or at settlement time. At acceptance it is returned to
// the caller; at settlement it causes the pairing to be skipped.
type InsufficientResourceError struct {
	Resource  string // points or shares
	Required  int64
	Available int64
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: required %d, available %d",
		e.Resource, e.Required, e.Available)
}

// InvariantViolationError marks a state that the conditional-update
// discipline should make unreachable (a negative balance, position, or IPO
// inventory). Observing one is a bug, not a user error, and must be logged
// loudly with full context before failing the single settlement involved.
type InvariantViolationError struct {
	Message string
}

func (e *InvariantViolationError) Error() string {
	return "invariant violation: " + e.Message
}
