package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	KDFPBKDF2 = "pbkdf2"
	KDFScrypt = "scrypt"

	minPBKDF2Iterations = 100_000

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// KDFParams records how a key was derived so decryption can reproduce it exactly.
type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations,omitempty"` // pbkdf2
	N          int    `json:"n,omitempty"`          // scrypt
	R          int    `json:"r,omitempty"`          // scrypt
	P          int    `json:"p,omitempty"`          // scrypt
	KeyLen     int    `json:"keyLen"`
}

func deriveKey(password string, salt []byte, params *KDFParams) ([]byte, error) {
	keyLen := params.KeyLen
	if keyLen == 0 {
		keyLen = keySize
	}
	switch params.Algorithm {
	case KDFPBKDF2:
		iterations := params.Iterations
		if iterations < minPBKDF2Iterations {
			iterations = minPBKDF2Iterations
		}
		return pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New), nil
	case KDFScrypt:
		return scrypt.Key([]byte(password), salt, params.N, params.R, params.P, keyLen)
	}
	return nil, UnsupportedKDFErr
}
