package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "warning", "error"} {
		require.NoError(t, Init(Config{Level: level}), "level %q", level)
	}
	assert.Error(t, Init(Config{Level: "verbose"}))
}

func TestGetBeforeInitIsSafe(t *testing.T) {
	SetLogger(nil)
	logger := Get(CategoryChat)
	require.NotNil(t, logger)
	// Must not panic on a no-op logger.
	logger.Infow("noop", "key", "value")
}

func TestGetReturnsNamedLogger(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug"}))
	assert.NotNil(t, Get(CategoryResidency))
	assert.NotNil(t, Get(CategoryProcessing))
}
