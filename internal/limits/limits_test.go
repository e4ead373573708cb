package limits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend_gateway/internal/config"
)

func TestFromConfigAppliesOverrides(t *testing.T) {
	lim, err := FromConfig(config.LimitsConfig{
		MaxBodyBytes:      512,
		MaxHeaderBytes:    2048,
		ReadHeaderTimeout: time.Second,
		WriteTimeout:      -time.Second,
		IdleTimeout:       time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(512), lim.MaxBodyBytes)
	assert.Equal(t, 2048, lim.MaxHeaderBytes)
	assert.Equal(t, time.Second, lim.ReadHeaderTimeout)
	assert.Zero(t, lim.WriteTimeout)
	assert.Equal(t, time.Minute, lim.IdleTimeout)
}

func TestFromConfigDefaults(t *testing.T) {
	lim, err := FromConfig(config.LimitsConfig{})
	require.NoError(t, err)
	assert.Equal(t, Default(), lim)
}

func TestFromConfigRejectsNegative(t *testing.T) {
	_, err := FromConfig(config.LimitsConfig{MaxBodyBytes: -1})
	assert.Error(t, err)
	_, err = FromConfig(config.LimitsConfig{ReadHeaderTimeout: -time.Second})
	assert.Error(t, err)
}
