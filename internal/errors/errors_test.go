package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		target  error
		matches bool
	}{
		{
			name:    "predefined value matches itself",
			err:     ErrCapacityExceeded,
			target:  ErrCapacityExceeded,
			matches: true,
		},
		{
			name:    "wrapped cause still matches",
			err:     ErrTokenNotFound.WithCause(stderrors.New("gone")),
			target:  ErrTokenNotFound,
			matches: true,
		},
		{
			name:    "custom message still matches",
			err:     ErrLicenseNotFound.WithMessagef("license %q not found", "l-abc"),
			target:  ErrLicenseNotFound,
			matches: true,
		},
		{
			name:    "fmt wrapping still matches",
			err:     fmt.Errorf("checkout: %w", ErrNoEntitlementsAvailable),
			target:  ErrNoEntitlementsAvailable,
			matches: true,
		},
		{
			name:    "different codes do not match",
			err:     ErrTokenNotFound,
			target:  ErrGrantNotFound,
			matches: false,
		},
		{
			name:    "foreign error does not match",
			err:     stderrors.New("boom"),
			target:  ErrTokenNotFound,
			matches: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, stderrors.Is(tt.err, tt.target))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindCapacity, KindOf(ErrCapacityExceeded))
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("assume: %w", ErrNotAuthorizedYet)))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("boom")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrNotAuthorizedYet))
	assert.True(t, IsRetryable(ErrRetryTimeout))
	assert.False(t, IsRetryable(ErrNotAuthorized))
	assert.False(t, IsRetryable(stderrors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuthorization, http.StatusForbidden},
		{KindCapacity, http.StatusConflict},
		{KindNotFound, http.StatusNotFound},
		{KindExpired, http.StatusGone},
		{KindStateConflict, http.StatusConflict},
		{KindAlreadyExists, http.StatusConflict},
		{KindTransient, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.kind), tt.kind.String())
	}
}

func TestResponse(t *testing.T) {
	resp := Response(ErrEarlyCheckInNotAllowed)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.HTTPStatusCode)
	assert.Equal(t, "EARLY_CHECKIN_NOT_ALLOWED", resp.AppCode)
	assert.False(t, resp.Retryable)

	resp = Response(ErrNotAuthorizedYet)
	assert.Equal(t, http.StatusServiceUnavailable, resp.HTTPStatusCode)
	assert.True(t, resp.Retryable)
}

func TestResponseForeignError(t *testing.T) {
	resp := Response(stderrors.New("database on fire"))
	assert.Equal(t, http.StatusInternalServerError, resp.HTTPStatusCode)
	assert.Equal(t, "INTERNAL_ERROR", resp.AppCode)
	// Foreign error text must not leak to clients.
	assert.NotContains(t, resp.ErrorText, "database")
}
