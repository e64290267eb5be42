// Package errors tests for the error taxonomy.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty, unique values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrValidation,
		ErrDatabase, ErrMigration, ErrConfigInvalid,
		ErrNetwork, ErrSyncTimeout, ErrBusinessRejected,
		ErrDurability, ErrQueueFull, ErrOffline, ErrSyncFailed, ErrProbeFailed,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("duplicate ErrorCode %q", code)
		}
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDurability, Message: "request not queued", Err: errors.New("disk full")},
			want:     "[DURABILITY_FAILED] request not queued: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping and unwrapping.
func TestWrap(t *testing.T) {
	underlying := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlying)
	if err.Code != ErrDatabase {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrDatabase)
	}
	if err.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlying)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should see the wrapped error")
	}
}

// TestIs verifies error code checking across wrap chains.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "missing"), ErrNotFound, true},
		{"non-matching AppError", New(ErrNotFound, "missing"), ErrInternal, false},
		{"plain error", errors.New("boom"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
		{"fmt wrapped", fmt.Errorf("outer: %w", New(ErrQueueFull, "full")), ErrQueueFull, true},
		{"nested AppError", Wrap(ErrSyncFailed, "sync", New(ErrNetwork, "refused")), ErrNetwork, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Wrap(ErrSyncFailed, "x", New(ErrNetwork, "y"))); got != ErrSyncFailed {
		t.Errorf("CodeOf() = %q, want %q", got, ErrSyncFailed)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf() = %q, want %q", got, ErrInternal)
	}
}

// TestClassification verifies the transient/terminal split.
func TestClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantNetwork  bool
		wantBusiness bool
	}{
		{"network code", New(ErrNetwork, "connection refused"), true, false},
		{"timeout code", New(ErrSyncTimeout, "deadline"), true, false},
		{"context deadline", fmt.Errorf("execute: %w", context.DeadlineExceeded), true, false},
		{"net error", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true, false},
		{"validation", New(ErrValidation, "title required"), false, true},
		{"business rejected", New(ErrBusinessRejected, "409 conflict"), false, true},
		{"business wrapping deadline", Wrap(ErrBusinessRejected, "rejected", context.DeadlineExceeded), false, true},
		{"unknown error", errors.New("boom"), false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetwork(tt.err); got != tt.wantNetwork {
				t.Errorf("IsNetwork() = %v, want %v", got, tt.wantNetwork)
			}
			if got := IsBusiness(tt.err); got != tt.wantBusiness {
				t.Errorf("IsBusiness() = %v, want %v", got, tt.wantBusiness)
			}
			if got := IsRetryable(tt.err); got != tt.wantNetwork {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantNetwork)
			}
		})
	}
}
