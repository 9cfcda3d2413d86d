package quota

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the quota engine.
var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyUsed            = errors.New("promo code already used")
	ErrExpired                = errors.New("promo code expired")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrGenerationCollision    = errors.New("promo code generation collision")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrConcurrentUpdate       = errors.New("concurrent update conflict")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrDuplicatePayment       = errors.New("duplicate payment event")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidPromoCode       = errors.New("invalid promo code")
	ErrInvalidTransactionID   = errors.New("invalid transaction id")
	ErrInvalidCadence         = errors.New("invalid reset cadence")
	ErrInvalidPricing         = errors.New("invalid pricing table")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsTransient reports whether an error should be retried rather than
// surfaced to the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrGenerationCollision)
}
