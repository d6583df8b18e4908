package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HMAC computes an HMAC-SHA256 tag over data with the given key.
func HMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC compares an expected tag in constant time.
func VerifyHMAC(key, data, tag []byte) bool {
	return hmac.Equal(HMAC(key, data), tag)
}
