package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound is returned when no record exists for an order id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidTransition is returned when an update would break the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrFieldAlreadySet is returned when a write-once field would be overwritten.
	ErrFieldAlreadySet = errors.New("write-once field already set")

	// ErrUnknownDex is returned when execution targets an unregistered provider.
	ErrUnknownDex = errors.New("unknown dex")
)

// ValidationError reports a malformed or out-of-range request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RoutingError wraps a failure to obtain quotes from a liquidity provider.
type RoutingError struct {
	Dex string
	Err error
}

func (e *RoutingError) Error() string {
	if e.Dex == "" {
		return fmt.Sprintf("routing failed: %v", e.Err)
	}
	return fmt.Sprintf("routing failed: quote from %s: %v", e.Dex, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// ExecutionError wraps a failed swap execution.
type ExecutionError struct {
	Dex string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed on %s: %v", e.Dex, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RetryExhaustedError is the terminal failure of an order after its attempt
// budget has been spent.
type RetryExhaustedError struct {
	OrderID  string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("order %s failed after %d attempts: %v", e.OrderID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
