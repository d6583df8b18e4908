package config

import "time"

type RecoveryConfig interface {
	GetMaxRetries() int
	GetBaseDelay() time.Duration
	GetMaxDelay() time.Duration
	GetEnableTokenRefresh() bool
	GetEnableFallbackAuth() bool
}

type Recovery struct{}

var _ RecoveryConfig = Recovery{}

func (Recovery) GetMaxRetries() int {
	return GetEnvInt("RECOVERY_MAX_RETRIES", 3)
}

func (Recovery) GetBaseDelay() time.Duration {
	return GetEnvDuration("RECOVERY_BASE_DELAY", 500*time.Millisecond)
}

func (Recovery) GetMaxDelay() time.Duration {
	return GetEnvDuration("RECOVERY_MAX_DELAY", 10*time.Second)
}

func (Recovery) GetEnableTokenRefresh() bool {
	return GetEnvBool("AUTH_ENABLE_TOKEN_REFRESH", true)
}

func (Recovery) GetEnableFallbackAuth() bool {
	return GetEnvBool("AUTH_ENABLE_FALLBACK", false)
}
