package history

import (
	"errors"
	"fmt"

	"github.com/ldxlovelbx/pyabc/internal/encoding"
)

// Common errors
var (
	// ErrUninitialized is returned when an operation that needs run
	// metadata runs before StoreInitialData
	ErrUninitialized = errors.New("store not initialized")

	// ErrStoreClosed is returned when trying to use a closed handle
	ErrStoreClosed = errors.New("store is closed")

	// ErrNoParticles is returned when a query targets a generation and
	// model with no recorded particles
	ErrNoParticles = errors.New("no particles recorded")

	// ErrCorruptRecord is returned when stored bytes fail to decode
	ErrCorruptRecord = encoding.ErrCorruptRecord

	// ErrInvalidWeight is returned when a particle carries a negative or
	// non-finite weight
	ErrInvalidWeight = errors.New("invalid particle weight")
)

// StoreError wraps errors with operation context
type StoreError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("history: %v", e.Err)
	}
	return fmt.Sprintf("history: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapError wraps an error with operation context
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
