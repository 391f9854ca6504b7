// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: New(ErrSyncNotConfigured, "no endpoint"),
			want:     "[SYNC_NOT_CONFIGURED] no endpoint",
		},
		{
			name:     "error with underlying error",
			appError: Wrap(ErrDatabase, "put item", errors.New("disk full")),
			want:     "[DATABASE_ERROR] put item: disk full",
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

// TestAppError_Unwrap verifies the standard library sees the cause.
func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrSyncFailed, "post batch", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}
}

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	inner := New(ErrValidation, "title required")
	outer := Wrap(ErrInvalid, "enqueue", inner)
	wrapped := fmt.Errorf("api: %w", outer)

	if !Is(wrapped, ErrInvalid) {
		t.Error("Is(wrapped, ErrInvalid) = false, want true")
	}
	if !Is(wrapped, ErrValidation) {
		t.Error("Is(wrapped, ErrValidation) = false, want true")
	}
	if Is(wrapped, ErrDatabase) {
		t.Error("Is(wrapped, ErrDatabase) = true, want false")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("Is(plain error) = true, want false")
	}
	if Is(nil, ErrInternal) {
		t.Error("Is(nil) = true, want false")
	}
}

// TestCodeOf verifies the outermost code wins and plain errors are internal.
func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Wrap(ErrNotFound, "item", New(ErrDatabase, "x")))
	if got := CodeOf(err); got != ErrNotFound {
		t.Errorf("CodeOf() = %s, want NOT_FOUND", got)
	}
	if got := CodeOf(errors.New("boom")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want INTERNAL_ERROR", got)
	}
}

// TestHTTPStatus verifies the code to status mapping.
func TestHTTPStatus(t *testing.T) {
	tests := map[ErrorCode]int{
		ErrValidation:        http.StatusBadRequest,
		ErrInvalid:           http.StatusBadRequest,
		ErrNotFound:          http.StatusNotFound,
		ErrSyncAuthFailed:    http.StatusUnauthorized,
		ErrSyncConflict:      http.StatusConflict,
		ErrSyncNotConfigured: http.StatusServiceUnavailable,
		ErrDatabase:          http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
