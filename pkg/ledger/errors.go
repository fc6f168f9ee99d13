package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service and its workflows.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("duplicate reference")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrAlreadyPurchased   = errors.New("already purchased")

	ErrInvalidUserID          = fmt.Errorf("%w: invalid user id", ErrValidation)
	ErrInvalidEntryID         = fmt.Errorf("%w: invalid entry id", ErrValidation)
	ErrInvalidReferenceID     = fmt.Errorf("%w: invalid reference id", ErrValidation)
	ErrInvalidAmount          = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidEntryKind       = fmt.Errorf("%w: invalid entry kind", ErrValidation)
	ErrInvalidDay             = fmt.Errorf("%w: invalid day", ErrValidation)
	ErrInvalidMetadataJSON    = fmt.Errorf("%w: invalid metadata json", ErrValidation)
	ErrInvalidRequestID       = fmt.Errorf("%w: invalid request id", ErrValidation)
	ErrInvalidStatus          = fmt.Errorf("%w: invalid status", ErrValidation)
	ErrInvalidTransaction     = fmt.Errorf("%w: invalid transaction", ErrValidation)
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrUnknownAccount         = fmt.Errorf("%w: unknown account", ErrNotFound)
	ErrUnknownDepositRequest  = fmt.Errorf("%w: unknown deposit request", ErrNotFound)
	ErrUnknownWithdrawRequest = fmt.Errorf("%w: unknown withdrawal request", ErrNotFound)
	ErrStaleAccount           = fmt.Errorf("%w: stale account version", ErrStorageUnavailable)
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

// StorageError marks an infrastructure failure as retryable while keeping the cause in the chain.
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
