// Package errors provides structured error types for fundscope.
// All errors include a category, code, message, and retryable flag so that
// acquisition and query failures can be told apart by the caller.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure kind.
type ErrorCategory string

const (
	ErrCategoryTransport    ErrorCategory = "TRANSPORT"
	ErrCategoryFormat       ErrorCategory = "FORMAT"
	ErrCategoryEncoding     ErrorCategory = "ENCODING"
	ErrCategoryDataAbsence  ErrorCategory = "DATA_ABSENCE"
	ErrCategoryCancellation ErrorCategory = "CANCELLATION"
	ErrCategoryValidation   ErrorCategory = "VALIDATION"
	ErrCategoryStorage      ErrorCategory = "STORAGE"
	ErrCategoryInternal     ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Transport codes
	CodeNetwork    = "NETWORK"
	CodeHTTPStatus = "HTTP_STATUS"

	// Format codes
	CodeMalformedJSON      = "MALFORMED_JSON"
	CodeUnsupportedContent = "UNSUPPORTED_CONTENT"
	CodeCorruptArchive     = "CORRUPT_ARCHIVE"
	CodeMalformedCSV       = "MALFORMED_CSV"

	// Encoding codes
	CodeDecodeReplacement = "DECODE_REPLACEMENT"

	// Data absence codes
	CodeNoData   = "NO_DATA"
	CodeNotFound = "NOT_FOUND"

	// Cancellation codes
	CodeCancelled = "CANCELLED"
	CodeTimeout   = "TIMEOUT"

	// Validation codes
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInvalidConfig   = "INVALID_CONFIG"

	// Storage codes
	CodeWriteFailed    = "WRITE_FAILED"
	CodeReadFailed     = "READ_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// FundscopeError is the structured error type used throughout the system.
type FundscopeError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *FundscopeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *FundscopeError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *FundscopeError) Is(target error) bool {
	var t *FundscopeError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new FundscopeError.
func New(category ErrorCategory, code, message string) *FundscopeError {
	return &FundscopeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new FundscopeError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *FundscopeError {
	return &FundscopeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *FundscopeError) WithDetails(details map[string]interface{}) *FundscopeError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var fe *FundscopeError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a FundscopeError.
func GetCategory(err error) ErrorCategory {
	var fe *FundscopeError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a FundscopeError.
func GetCode(err error) string {
	var fe *FundscopeError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsDataAbsence reports whether err means "nothing matched" rather than a failure
// to compute. Callers render it as "not found" instead of an error.
func IsDataAbsence(err error) bool {
	return GetCategory(err) == ErrCategoryDataAbsence
}

// IsCancellation reports whether err was caused by a cancelled or expired context.
func IsCancellation(err error) bool {
	if GetCategory(err) == ErrCategoryCancellation {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransport:
		return true
	case category == ErrCategoryCancellation && code == CodeTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewTransportError(code, message string, cause error) *FundscopeError {
	return Wrap(ErrCategoryTransport, code, message, cause)
}

func NewFormatError(code, message string, cause error) *FundscopeError {
	return Wrap(ErrCategoryFormat, code, message, cause)
}

func NewNoData(message string) *FundscopeError {
	return New(ErrCategoryDataAbsence, CodeNoData, message)
}

func NewNotFound(message string) *FundscopeError {
	return New(ErrCategoryDataAbsence, CodeNotFound, message)
}

func NewCancelled(message string, cause error) *FundscopeError {
	return Wrap(ErrCategoryCancellation, CodeCancelled, message, cause)
}

func NewValidationError(code, message string) *FundscopeError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *FundscopeError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *FundscopeError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
