package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Sentinel error identity ---

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrInvalidInput, ErrUnauthorized, ErrForbidden,
		ErrInternal, ErrConflict, ErrTooManyRequests, ErrOperationFailed,
	}

	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinels %d and %d should be distinct", i, j)
		}
	}
}

// --- AppError behavior ---

func TestAppError_ErrorString(t *testing.T) {
	appErr := &AppError{Code: "INTERNAL_ERROR", Message: "something broke", Err: fmt.Errorf("disk full")}
	assert.Equal(t, "INTERNAL_ERROR: something broke: disk full", appErr.Error())

	bare := &AppError{Code: "NOT_FOUND", Message: "item not found"}
	assert.Equal(t, "NOT_FOUND: item not found", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

// --- Constructor functions ---

func TestNotFound(t *testing.T) {
	err := NotFound("portfolio_item", "42")
	require.NotNil(t, err)
	assert.Equal(t, "NOT_FOUND", err.Code)
	assert.Equal(t, http.StatusNotFound, err.Status)
	assert.Contains(t, err.Message, "portfolio_item with id 42")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestValidation_ListsFieldsSorted(t *testing.T) {
	err := Validation(map[string]string{
		"title":     "is required",
		"images[1]": "unsupported file type",
	})
	assert.Equal(t, "VALIDATION_ERROR", err.Code)
	assert.Equal(t, http.StatusBadRequest, err.Status)
	assert.Equal(t, "validation failed on: images[1], title", err.Message)
	assert.Len(t, err.Fields, 2)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestOperationFailed_KeepsCause(t *testing.T) {
	cause := errors.New("commit: connection reset")
	err := OperationFailed(cause)

	assert.Equal(t, "OPERATION_FAILED", err.Code)
	assert.Equal(t, OperationFailedMessage, err.Message)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.True(t, errors.Is(err, ErrOperationFailed))
	assert.True(t, errors.Is(err, cause))
	assert.NotContains(t, err.Message, "connection reset")
}

func TestOperationFailed_NilCause(t *testing.T) {
	err := OperationFailed(nil)
	assert.True(t, errors.Is(err, ErrOperationFailed))
}

func TestSimpleConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		code     string
		status   int
		sentinel error
	}{
		{"invalid input", InvalidInput("bad"), "INVALID_INPUT", http.StatusBadRequest, ErrInvalidInput},
		{"unauthorized", Unauthorized("no token"), "UNAUTHORIZED", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", Forbidden("not yours"), "FORBIDDEN", http.StatusForbidden, ErrForbidden},
		{"rate limited", TooManyRequests("slow down"), "RATE_LIMITED", http.StatusTooManyRequests, ErrTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.Status)
			assert.True(t, errors.Is(tt.err, tt.sentinel))
		})
	}
}

func TestInternal_HidesCause(t *testing.T) {
	err := Internal(fmt.Errorf("pool exhausted"))
	assert.Equal(t, "an internal error occurred", err.Message)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
}

// --- HTTPStatus ---

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("x", "1"), http.StatusNotFound},
		{fmt.Errorf("load: %w", ErrNotFound), http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrTooManyRequests, http.StatusTooManyRequests},
		{fmt.Errorf("wrapped: %w", OperationFailed(nil)), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "error: %v", tt.err)
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(ErrNotFound, "load item")
	assert.Equal(t, "load item: resource not found", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
}
