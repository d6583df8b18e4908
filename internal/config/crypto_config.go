package config

import "time"

type CryptoConfig interface {
	GetKDF() string
	GetPBKDF2Iterations() int
	GetForwardSecrecy() bool
	GetMaxKeyAge() time.Duration
	GetKeyRotationInterval() time.Duration
}

type Crypto struct{}

var _ CryptoConfig = Crypto{}

// GetKDF selects the key-derivation function: "pbkdf2" or "scrypt".
func (Crypto) GetKDF() string {
	kdf := GetEnv("CRYPTO_KDF", "pbkdf2")
	if kdf != "pbkdf2" && kdf != "scrypt" {
		return "pbkdf2"
	}
	return kdf
}

// GetPBKDF2Iterations never returns fewer than 100,000 iterations.
func (Crypto) GetPBKDF2Iterations() int {
	iterations := GetEnvInt("CRYPTO_PBKDF2_ITERATIONS", 100_000)
	if iterations < 100_000 {
		return 100_000
	}
	return iterations
}

func (Crypto) GetForwardSecrecy() bool {
	return GetEnvBool("CRYPTO_FORWARD_SECRECY", false)
}

func (Crypto) GetMaxKeyAge() time.Duration {
	return GetEnvDuration("CRYPTO_MAX_KEY_AGE", 24*time.Hour)
}

func (Crypto) GetKeyRotationInterval() time.Duration {
	return GetEnvDuration("CRYPTO_KEY_ROTATION_INTERVAL", 6*time.Hour)
}
