// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrSymbolNotConfigured = errors.New("symbol not configured")
	ErrTrancheNotFound     = errors.New("tranche not found")
	ErrTrancheNotActive    = errors.New("tranche not active")
	ErrMaxTranchesReached  = errors.New("max tranches reached")
	ErrMaxIsolatedReached  = errors.New("max isolated tranches reached")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrDatabaseError       = errors.New("database error")
	ErrNotInitialized      = errors.New("manager not initialized")
)

// TrancheError represents an error from a tranche lifecycle operation.
type TrancheError struct {
	TrancheID string
	Symbol    string
	Op        string
	Err       error
}

func (e *TrancheError) Error() string {
	return fmt.Sprintf("tranche error [%s] %s %s: %v", e.TrancheID, e.Op, e.Symbol, e.Err)
}

func (e *TrancheError) Unwrap() error {
	return e.Err
}

// NewTrancheError creates a new TrancheError.
func NewTrancheError(trancheID, symbol, op string, err error) *TrancheError {
	return &TrancheError{
		TrancheID: trancheID,
		Symbol:    symbol,
		Op:        op,
		Err:       err,
	}
}

// SyncError represents a reconciliation failure against the exchange.
type SyncError struct {
	Symbol      string
	Side        string
	LocalQty    float64
	ExchangeQty float64
	Err         error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error [%s %s] local=%.8f exchange=%.8f: %v",
		e.Symbol, e.Side, e.LocalQty, e.ExchangeQty, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a new SyncError.
func NewSyncError(symbol, side string, localQty, exchangeQty float64, err error) *SyncError {
	return &SyncError{
		Symbol:      symbol,
		Side:        side,
		LocalQty:    localQty,
		ExchangeQty: exchangeQty,
		Err:         err,
	}
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

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
