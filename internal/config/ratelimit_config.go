package config

import "time"

type RateLimitConfig interface {
	GetRateLimitEnabled() bool
	GetRateLimitSweepInterval() time.Duration
}

type RateLimit struct{}

var _ RateLimitConfig = RateLimit{}

func (RateLimit) GetRateLimitEnabled() bool {
	return GetEnvBool("RATE_LIMIT_ENABLED", true)
}

func (RateLimit) GetRateLimitSweepInterval() time.Duration {
	return GetEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", 10*time.Minute)
}
