package types

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := E(KindTimeout, "generate deadline exceeded")
	assert.Equal(t, KindTimeout, KindOf(err))

	// Kind survives wrapping with fmt.Errorf.
	wrapped := fmt.Errorf("chat turn failed: %w", err)
	assert.Equal(t, KindTimeout, KindOf(wrapped))

	// Unclassified errors collapse to internal.
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
}

func TestInternalCarriesCorrelationID(t *testing.T) {
	err := Internal("something broke", fmt.Errorf("cause"))
	require.NotEmpty(t, err.CorrelationID)
	assert.Equal(t, KindInternal, err.Kind)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:        http.StatusBadRequest,
		KindAIUnavailable:     http.StatusServiceUnavailable,
		KindTimeout:           http.StatusGatewayTimeout,
		KindPromptTooLarge:    http.StatusRequestEntityTooLarge,
		KindPartialCompletion: http.StatusMultiStatus,
		KindNotFound:          http.StatusNotFound,
		KindInternal:          http.StatusInternalServerError,
		KindDimensionMismatch: http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindAIUnavailable))
	assert.True(t, Retryable(KindTimeout))
	assert.True(t, Retryable(KindPartialCompletion))
	assert.False(t, Retryable(KindValidation))
	assert.False(t, Retryable(KindInternal))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusProcessing))
	assert.True(t, StatusProcessing.CanTransition(StatusCompleted))
	assert.True(t, StatusProcessing.CanTransition(StatusFailed))
	assert.True(t, StatusFailed.CanTransition(StatusPending))

	assert.False(t, StatusPending.CanTransition(StatusCompleted))
	assert.False(t, StatusCompleted.CanTransition(StatusProcessing))
	assert.False(t, StatusCompleted.CanTransition(StatusPending))
	assert.False(t, StatusFailed.CanTransition(StatusProcessing))
}
