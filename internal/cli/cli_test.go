package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLevel(t *testing.T) {
	assert.Equal(t, "debug", normalizeLevel("debug"))
	assert.Equal(t, "warn", normalizeLevel("agent=warn"))
	assert.Equal(t, "info", normalizeLevel("bogus"))
	assert.Equal(t, "trace", normalizeLevel("  TRACE  "))
}
