package frag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfig_Defaults checks derived ceiling and batch.
func TestConfig_Defaults(t *testing.T) {
	c, err := ConfigNetwork.resolve(4096)
	require.NoError(t, err)

	assert.Equal(t, 4096, c.Ceiling)
	assert.Equal(t, int32(32769), c.Batch)

	c, err = ConfigSmallOnly.resolve(4096)
	require.NoError(t, err)
	assert.Equal(t, int32(4097), c.Batch)

	c, err = ConfigJumbo.resolve(4096)
	require.NoError(t, err)
	assert.Equal(t, 32768, c.Ceiling)
	assert.Equal(t, FallbackSkip, c.SmallFallback)
}

// TestConfig_Invalid checks validation failures.
func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		pageSize int
	}{
		{"tiny page", Config{}, 256},
		{"odd page", Config{}, 3000},
		{"ceiling above block", Config{MaxOrder: 1, Ceiling: 8193}, 4096},
		{"negative ceiling", Config{Ceiling: -1}, 4096},
		{"small batch", Config{Batch: 4096}, 4096},
		{"huge order", Config{MaxOrder: 31}, 4096},
		{"unknown policy", Config{SmallFallback: 7}, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(tt.pageSize), ErrInvalidConfig)
		})
	}
}

// TestFallbackPolicy_String checks policy names.
func TestFallbackPolicy_String(t *testing.T) {
	assert.Equal(t, "keep", FallbackKeep.String())
	assert.Equal(t, "skip", FallbackSkip.String())
	assert.Equal(t, "FallbackPolicy(9)", FallbackPolicy(9).String())
}
