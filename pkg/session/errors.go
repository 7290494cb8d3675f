package session

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the session service.
var (
	ErrInvalidCard          = errors.New("invalid card")
	ErrCardNotFound         = errors.New("card not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidState         = errors.New("invalid trip state")
	ErrPaymentRejected      = errors.New("payment rejected")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidCardID        = errors.New("invalid card id")
	ErrInvalidTripID        = errors.New("invalid trip id")
	ErrInvalidBusReference  = errors.New("invalid bus reference")
	ErrInvalidTripStatus    = errors.New("invalid trip status")
	ErrInvalidServiceConfig = errors.New("invalid service config")
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

// wrapRemoteError classifies a collaborator failure. Domain rejections keep
// their sentinel so callers can match them; everything else is transient.
func wrapRemoteError(subject string, err error) error {
	switch {
	case errors.Is(err, ErrCardNotFound):
		return WrapError(errorOperationRemote, subject, errorCodeCardNotFound, fmt.Errorf("%w: %w", ErrInvalidCard, err))
	case errors.Is(err, ErrInsufficientBalance):
		return WrapError(errorOperationRemote, subject, errorCodeInsufficient, err)
	default:
		return WrapError(errorOperationRemote, subject, errorCodeUnavailable, err)
	}
}
