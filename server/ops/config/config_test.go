package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfigOverridesDefaults(t *testing.T) {
	c, err := decodeConfig([]byte(`
default_subnet: "10.1.2"
refresh_seconds: 10
recency:
  active_multiplier: 3
simulation:
  width: 1600
  max_duration: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, "10.1.2", c.DefaultSubnet)
	assert.Equal(t, 10, c.RefreshSeconds)
	assert.Equal(t, 3.0, c.Recency.ActiveMultiplier)
	assert.Equal(t, 1600.0, c.Simulation.Width)
	assert.Equal(t, 5*time.Second, c.Simulation.MaxDuration)

	// Untouched fields keep their defaults.
	def := Default()
	assert.Equal(t, def.Recency.StaleOpacity, c.Recency.StaleOpacity)
	assert.Equal(t, def.Simulation.Height, c.Simulation.Height)
}

func TestDecodeConfigRejectsUnknownFields(t *testing.T) {
	_, err := decodeConfig([]byte("no_such_option: true\n"))
	assert.Error(t, err)
}

func TestRefreshIntervalClamped(t *testing.T) {
	c := Config{RefreshSeconds: 0}
	assert.Equal(t, MinRefresh, c.RefreshInterval())

	c.RefreshSeconds = 9999
	assert.Equal(t, MaxRefresh, c.RefreshInterval())

	c.RefreshSeconds = 5
	assert.Equal(t, 5*time.Second, c.RefreshInterval())
}
