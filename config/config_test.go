package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadChunkBounds(t *testing.T) {
	c := Default()
	c.Chunking.MaxChunkSize = c.Chunking.MinChunkSize - 1
	require.Error(t, c.Validate())
}

func TestValidateRejectsZeroPoolMax(t *testing.T) {
	c := Default()
	c.Pool.Max = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsNegativeBandwidth(t *testing.T) {
	c := Default()
	c.BandwidthBytesPerSec = -1
	require.Error(t, c.Validate())
}

func TestNewBandwidthLimiterHonorsConfiguredRate(t *testing.T) {
	c := Default()
	c.BandwidthBytesPerSec = 1024
	l := c.NewBandwidthLimiter()
	require.Equal(t, float64(1024), l.Rate())
}
