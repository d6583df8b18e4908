package config

type Config interface {
	EnvConfig
	SessionConfig
	CryptoConfig
	RateLimitConfig
	RecoveryConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetSigningKey() string
}

type mainConfig struct {
	EnvVars
	Session
	Crypto
	RateLimit
	Recovery
}

func New() Config {
	return mainConfig{}
}
