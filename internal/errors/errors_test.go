package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFundscopeError_Error(t *testing.T) {
	err := New(ErrCategoryDataAbsence, CodeNoData, "no partitions in range")
	expected := "[DATA_ABSENCE:NO_DATA] no partitions in range"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestFundscopeError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryTransport, CodeNetwork, "fetch failed", cause)
	expected := "[TRANSPORT:NETWORK] fetch failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestFundscopeError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryFormat, CodeMalformedJSON, "bad json", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestFundscopeError_Is(t *testing.T) {
	err1 := NewNotFound("first")
	err2 := NewNotFound("second")
	err3 := NewNoData("different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	wrapped := fmt.Errorf("registry: %w", err1)
	if !errors.Is(wrapped, NewNotFound("")) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryTransport, CodeNetwork, true},
		{ErrCategoryTransport, CodeHTTPStatus, true},
		{ErrCategoryFormat, CodeMalformedJSON, false},
		{ErrCategoryFormat, CodeUnsupportedContent, false},
		{ErrCategoryEncoding, CodeDecodeReplacement, false},
		{ErrCategoryDataAbsence, CodeNoData, false},
		{ErrCategoryCancellation, CodeCancelled, false},
		{ErrCategoryCancellation, CodeTimeout, true},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := NewFormatError(CodeCorruptArchive, "zip: not a valid zip file", nil)
	if GetCategory(err) != ErrCategoryFormat {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryFormat)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-FundscopeError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := NewNotFound("fund 00.000.000/0001-00")
	if GetCode(err) != CodeNotFound {
		t.Errorf("got %q, want %q", GetCode(err), CodeNotFound)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-FundscopeError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryTransport, CodeHTTPStatus, "unexpected status")
	detailed := err.WithDetails(map[string]interface{}{"status": 500})

	if detailed.Details["status"] != 500 {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestIsDataAbsence(t *testing.T) {
	if !IsDataAbsence(NewNoData("empty")) {
		t.Error("NO_DATA should be data absence")
	}
	if !IsDataAbsence(fmt.Errorf("wrapped: %w", NewNotFound("x"))) {
		t.Error("wrapped NOT_FOUND should be data absence")
	}
	if IsDataAbsence(NewFormatError(CodeMalformedCSV, "bad", nil)) {
		t.Error("format errors are not data absence")
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(NewCancelled("stop", nil)) {
		t.Error("CANCELLED should be cancellation")
	}
	if !IsCancellation(fmt.Errorf("fetch: %w", context.Canceled)) {
		t.Error("context.Canceled should be cancellation")
	}
	if IsCancellation(NewNoData("x")) {
		t.Error("NO_DATA is not cancellation")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeInvalidArgument, "month out of range")
	if v.Category != ErrCategoryValidation || v.Code != CodeInvalidArgument {
		t.Error("NewValidationError mismatch")
	}

	s := NewStorageError(CodeWriteFailed, "disk full", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	tr := NewTransportError(CodeNetwork, "dial", cause)
	if tr.Category != ErrCategoryTransport || !tr.Retryable {
		t.Error("NewTransportError mismatch")
	}

	c := NewCancelled("cancelled", context.Canceled)
	if c.Category != ErrCategoryCancellation || c.Code != CodeCancelled {
		t.Error("NewCancelled mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
