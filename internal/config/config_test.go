package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultStuckThreshold, cfg.StuckThreshold)
	assert.Equal(t, DefaultLeaseTTL, cfg.LeaseTTL)
	assert.Equal(t, DefaultReservationTTL, cfg.ReservationTTL)
}

func TestValidateTimingInvariant(t *testing.T) {
	base := func() *Config {
		return &Config{
			SweepInterval:  time.Minute,
			StuckThreshold: 5 * time.Minute,
			LeaseTTL:       6 * time.Minute,
			ReservationTTL: time.Hour,
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.SweepInterval = 10 * time.Minute
	assert.Error(t, c.Validate(), "sweep interval >= stuck threshold")

	c = base()
	c.StuckThreshold = 10 * time.Minute
	assert.Error(t, c.Validate(), "stuck threshold >= lease ttl")

	c = base()
	c.LeaseTTL = 20 * time.Minute
	assert.Error(t, c.Validate(), "lease ttl > reservation ttl / 10")

	c = base()
	c.SweepInterval = 0
	assert.Error(t, c.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEASE_TTL", "3m")
	t.Setenv("STUCK_THRESHOLD", "2m")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("RESERVATION_TTL", "30m")
	t.Setenv("MINIMUM_FEE", "0.0500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, 2*time.Minute, cfg.StuckThreshold)
	assert.Equal(t, int64(50_000), int64(cfg.MinimumFee))
}

func TestIOTimeoutUnderLeaseThird(t *testing.T) {
	cfg := &Config{LeaseTTL: 6 * time.Minute}
	assert.Less(t, cfg.IOTimeout(), cfg.LeaseTTL/3)
}
