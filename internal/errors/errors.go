// Package errors provides custom error types for engine-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrInvalidInput             = errors.New("invalid input parameters")
	ErrInsufficientObservations = errors.New("insufficient observations for curve order")
	ErrParentMismatch           = errors.New("parent security reference mismatch")
	ErrUnknownSecurity          = errors.New("unknown security")
	ErrWorkerCrashed            = errors.New("worker crashed")
	ErrConfigInvalid            = errors.New("invalid configuration")
	ErrEngineStopped            = errors.New("engine stopped")
	ErrStoreUnavailable         = errors.New("store unavailable")
)

// FitError is raised when a curve fit cannot be attempted with the data at hand.
// It aborts only the current fit; the owning tick handler resets the series.
type FitError struct {
	Series       string
	Side         string
	Order        int
	Observations int
	Err          error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("fit error [%s/%s] order %d with %d observations: %v",
		e.Series, e.Side, e.Order, e.Observations, e.Err)
}

func (e *FitError) Unwrap() error {
	return e.Err
}

// NewFitError creates a new FitError wrapping ErrInsufficientObservations.
func NewFitError(series, side string, order, observations int) *FitError {
	return &FitError{
		Series:       series,
		Side:         side,
		Order:        order,
		Observations: observations,
		Err:          ErrInsufficientObservations,
	}
}

// RecalcError represents a failure that aborted one option recalculation.
type RecalcError struct {
	Option string
	Reason string
	Err    error
}

func (e *RecalcError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recalc error [%s] %s: %v", e.Option, e.Reason, e.Err)
	}
	return fmt.Sprintf("recalc error [%s] %s", e.Option, e.Reason)
}

func (e *RecalcError) Unwrap() error {
	return e.Err
}

// NewRecalcError creates a new RecalcError.
func NewRecalcError(option, reason string, err error) *RecalcError {
	return &RecalcError{
		Option: option,
		Reason: reason,
		Err:    err,
	}
}

// WorkerError is reported to the supervisor when a periodic worker panicked
// and had to be recreated.
type WorkerError struct {
	Worker string
	Panic  interface{}
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s crashed: %v", e.Worker, e.Panic)
}

func (e *WorkerError) Unwrap() error {
	return ErrWorkerCrashed
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
