package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/pkg/errors"
)

const (
	passwordLower   = "abcdefghijklmnopqrstuvwxyz"
	passwordUpper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	passwordDigits  = "0123456789"
	passwordSymbols = "!@#$%^&*-_=+"
)

// GenerateSecureToken returns a hex-encoded token with length*4 bits of entropy
// (length hex characters, length/2 random bytes rounded up).
func GenerateSecureToken(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("[GenerateSecureToken] length must be positive")
	}
	bytes := make([]byte, (length+1)/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "[GenerateSecureToken] rand.Read")
	}
	return hex.EncodeToString(bytes)[:length], nil
}

// GenerateSecurePassword returns a random password guaranteed to contain at least
// one lowercase, uppercase, digit and symbol character. Minimum length is 4.
func GenerateSecurePassword(length int) (string, error) {
	if length < 4 {
		return "", errors.New("[GenerateSecurePassword] length must be at least 4")
	}
	full := passwordLower + passwordUpper + passwordDigits + passwordSymbols

	chars := make([]byte, length)
	classes := []string{passwordLower, passwordUpper, passwordDigits, passwordSymbols}
	for i := range chars {
		charset := full
		if i < len(classes) {
			charset = classes[i]
		}
		c, err := randomChar(charset)
		if err != nil {
			return "", err
		}
		chars[i] = c
	}

	// Fisher-Yates so the guaranteed classes are not always in front
	for i := len(chars) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		chars[i], chars[j] = chars[j], chars[i]
	}
	return string(chars), nil
}

func randomChar(charset string) (byte, error) {
	i, err := randomInt(len(charset))
	if err != nil {
		return 0, err
	}
	return charset[i], nil
}

func randomInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, errors.Wrap(err, "rand.Int")
	}
	return int(n.Int64()), nil
}
