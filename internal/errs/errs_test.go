package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindAuthInvalid, http.StatusUnauthorized},
		{KindPermissionDenied, http.StatusForbidden},
		{KindQuotaExceeded, http.StatusTooManyRequests},
		{KindNotFound, http.StatusNotFound},
		{KindNotWaiting, http.StatusBadRequest},
		{KindInputMismatch, http.StatusBadRequest},
		{KindConflict, http.StatusBadRequest},
		{KindValidationFailed, http.StatusUnprocessableEntity},
		{KindBusUnavailable, http.StatusServiceUnavailable},
		{KindPersistenceUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.kind.HTTPStatus(), tc.kind.String())
	}
}

func TestKindOfUnwrapsChain(t *testing.T) {
	inner := New(KindQuotaExceeded, "limit hit")
	wrapped := fmt.Errorf("submit: %w", inner)
	assert.Equal(t, KindQuotaExceeded, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindQuotaExceeded))
	assert.False(t, IsKind(wrapped, KindNotFound))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestTransientKinds(t *testing.T) {
	assert.True(t, KindBusUnavailable.Transient())
	assert.True(t, KindStorageUnavailable.Transient())
	assert.True(t, KindPersistenceUnavailable.Transient())
	assert.False(t, KindConflict.Transient())
	assert.False(t, KindNotFound.Transient())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindBusUnavailable, "publish", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "publish")
	assert.Contains(t, err.Error(), "connection refused")
}
