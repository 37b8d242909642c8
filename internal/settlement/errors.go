package settlement

import (
	"errors"
	"fmt"
)

// Settlement errors
var (
	ErrNotFound          = errors.New("settlement not found")
	ErrAlreadyExists     = errors.New("settlement already exists")
	ErrConflict          = errors.New("settlement modified concurrently")
	ErrAlreadyTerminal   = errors.New("settlement already in a terminal state")
	ErrInvalidState      = errors.New("settlement not in a valid state for this operation")
	ErrAuthentication    = errors.New("payment signature verification failed")
	ErrVendorOrderFailed = errors.New("vendor order failed")
	ErrVendorPending     = errors.New("vendor order outcome not yet known")
	ErrGatewayMismatch   = errors.New("gateway order does not match the requested amount")
	ErrConfiguration     = errors.New("settlement: configuration error")
)

// ValidationError is bad caller input, rejected before any side effect.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransitionError is an illegal state machine move. It matches
// ErrInvalidState, or ErrAlreadyTerminal when the record is terminal.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	if target == ErrAlreadyTerminal {
		return e.From.IsTerminal()
	}
	return target == ErrInvalidState
}
