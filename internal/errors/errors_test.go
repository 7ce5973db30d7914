package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		sentinel  error
		retryable bool
	}{
		{http.StatusUnauthorized, ErrAuth, false},
		{http.StatusForbidden, ErrForbidden, false},
		{http.StatusBadRequest, ErrServer, false},
		{http.StatusBadGateway, ErrServer, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromStatus("generate", tt.status, "boom")
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, "boom", ServerMessage(err))
			assert.Contains(t, err.Error(), "status")
		})
	}
}

func TestNetworkClassifiesCancellation(t *testing.T) {
	err := Network("fetch_page", context.Canceled)
	assert.True(t, IsCanceled(err))
	assert.False(t, errors.Is(err, ErrNetwork))

	err = Network("fetch_page", fmt.Errorf("dial tcp: refused"))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.True(t, IsRetryableError(err))
	assert.False(t, IsCanceled(err))
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := Malformed("generate", errors.New("missing output"))
	wrapped := fmt.Errorf("invoke: %w", base)

	assert.Equal(t, KindMalformedResponse, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrMalformedResponse)
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestIsAuthError(t *testing.T) {
	assert.False(t, IsAuthError(nil))
	assert.True(t, IsAuthError(Auth("generate", errors.New("no token"))))
	assert.False(t, IsAuthError(FromStatus("generate", http.StatusForbidden, "")))
}

func TestErrorMessagePrefersServerMessage(t *testing.T) {
	err := FromStatus("generate", http.StatusInternalServerError, "model offline")
	require.NotNil(t, err)
	assert.Equal(t, "generate failed (status 500): model offline", err.Error())

	plain := New(KindNetwork, "fetch_entitlements", errors.New("timeout"))
	assert.Equal(t, "fetch_entitlements failed: timeout", plain.Error())
}
