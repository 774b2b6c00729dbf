package pool

import (
	"time"

	"go.uber.org/zap"
)

// Config defines pool sizing and maintenance behavior.
type Config struct {
	// MinConnections is the warm floor kept by Initialize and idle eviction
	MinConnections int
	// MaxConnections caps available + active + in-flight creations
	MaxConnections int
	// IdleTimeout is how long an available connection may stay unused
	IdleTimeout time.Duration
	// HealthCheckInterval sets how often available connections are re-validated
	HealthCheckInterval time.Duration
	// IdleCheckInterval sets how often idle connections are evicted
	IdleCheckInterval time.Duration
	// AcquireTimeout bounds one Acquire, including the wait for a free slot
	AcquireTimeout time.Duration
	// CreateDelay spaces out the warm-up creations in Initialize
	CreateDelay time.Duration
	// DestroyTimeout bounds closing one connection
	DestroyTimeout time.Duration
	// MaxAcquireAttempts caps the health-check retries of one Acquire
	MaxAcquireAttempts int

	Logger *zap.Logger
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MinConnections:      1,
		MaxConnections:      10,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		IdleCheckInterval:   time.Minute,
		AcquireTimeout:      30 * time.Second,
		CreateDelay:         500 * time.Millisecond,
		DestroyTimeout:      5 * time.Second,
		MaxAcquireAttempts:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinConnections < 0 {
		c.MinConnections = 0
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = d.IdleCheckInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.CreateDelay < 0 {
		c.CreateDelay = 0
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = d.DestroyTimeout
	}
	if c.MaxAcquireAttempts <= 0 {
		c.MaxAcquireAttempts = d.MaxAcquireAttempts
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
