package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	keySize        = 32 // AES-256
	saltSize       = 16
	formatVersion  = 1
	maxKeyHistory  = 10
	defaultKeyAge  = 24 * time.Hour
	defaultKDFName = KDFPBKDF2
)

// EncryptedData is the immutable result of an Encrypt call. The GCM tag is carried
// inside Ciphertext; Salt and KDF are set only for password-derived encryption,
// KeyVersion only for rotating-key encryption.
type EncryptedData struct {
	Ciphertext []byte     `json:"ciphertext"`
	IV         []byte     `json:"iv"`
	Salt       []byte     `json:"salt,omitempty"`
	KDF        *KDFParams `json:"kdf,omitempty"`
	KeyVersion int        `json:"keyVersion,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Version    int        `json:"version"`
}

// rotatingKey is one generation of the service key.
type rotatingKey struct {
	version   int
	material  []byte
	createdAt time.Time
}

// Service provides authenticated encryption, key derivation and rotation, and
// secure random generation. All methods are safe for concurrent use; RotateKey is
// atomic with respect to Encrypt/Decrypt callers.
type Service struct {
	mu             sync.RWMutex
	current        *rotatingKey
	history        map[int]*rotatingKey // prior generations, bounded to maxKeyHistory
	kdf            string
	iterations     int
	forwardSecrecy bool
	maxKeyAge      time.Duration
	nowFunc        func() time.Time
}

type ServiceOption func(*Service)

// WithKDF selects the key derivation function ("pbkdf2" or "scrypt").
func WithKDF(kdf string) ServiceOption {
	return func(s *Service) {
		s.kdf = kdf
	}
}

// WithPBKDF2Iterations overrides the PBKDF2 iteration count. Values below the
// production minimum are clamped.
func WithPBKDF2Iterations(iterations int) ServiceOption {
	return func(s *Service) {
		if iterations < minPBKDF2Iterations {
			iterations = minPBKDF2Iterations
		}
		s.iterations = iterations
	}
}

// WithForwardSecrecy rejects decryption of data older than maxKeyAge, bounding the
// blast radius of a compromised long-lived key.
func WithForwardSecrecy(maxKeyAge time.Duration) ServiceOption {
	return func(s *Service) {
		s.forwardSecrecy = true
		if maxKeyAge > 0 {
			s.maxKeyAge = maxKeyAge
		}
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowFunc = now
	}
}

// NewService creates a crypto service with a freshly generated rotating key.
func NewService(options ...ServiceOption) (*Service, error) {
	s := &Service{
		history:    make(map[int]*rotatingKey),
		kdf:        defaultKDFName,
		iterations: minPBKDF2Iterations,
		maxKeyAge:  defaultKeyAge,
		nowFunc:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}

	key, err := newRotatingKey(1, s.nowFunc())
	if err != nil {
		return nil, errors.Wrap(err, "[NewService] generating initial key")
	}
	s.current = key
	return s, nil
}

func newRotatingKey(version int, now time.Time) (*rotatingKey, error) {
	material := make([]byte, keySize)
	if _, err := rand.Read(material); err != nil {
		return nil, errors.Wrap(err, "rand.Read")
	}
	return &rotatingKey{version: version, material: material, createdAt: now}, nil
}

// Encrypt encrypts plaintext with AES-256-GCM. When password is non-empty a key is
// derived from it with a fresh salt; otherwise the current rotating key is used.
func (s *Service) Encrypt(plaintext []byte, password string) (*EncryptedData, error) {
	now := s.nowFunc()

	if password != "" {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, errors.Wrap(err, "[Encrypt] generating salt")
		}
		params := s.kdfParams()
		key, err := deriveKey(password, salt, params)
		if err != nil {
			return nil, errors.Wrap(err, "[Encrypt] deriveKey")
		}
		defer zero(key)

		ciphertext, iv, err := sealGCM(key, plaintext)
		if err != nil {
			return nil, errors.Wrap(err, "[Encrypt] seal")
		}
		return &EncryptedData{
			Ciphertext: ciphertext,
			IV:         iv,
			Salt:       salt,
			KDF:        params,
			Timestamp:  now,
			Version:    formatVersion,
		}, nil
	}

	s.mu.RLock()
	key := s.current
	s.mu.RUnlock()

	ciphertext, iv, err := sealGCM(key.material, plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "[Encrypt] seal")
	}
	return &EncryptedData{
		Ciphertext: ciphertext,
		IV:         iv,
		KeyVersion: key.version,
		Timestamp:  now,
		Version:    formatVersion,
	}, nil
}

// Decrypt reverses Encrypt. Any tampering or wrong password surfaces as
// IntegrityFailureErr without revealing where verification failed. With forward
// secrecy enabled, data older than maxKeyAge is rejected even when the tag is valid.
func (s *Service) Decrypt(data *EncryptedData, password string) ([]byte, error) {
	if data == nil {
		return nil, errors.New("[Decrypt] nil data")
	}

	if s.forwardSecrecy && s.nowFunc().Sub(data.Timestamp) > s.maxKeyAge {
		return nil, DataTooOldErr
	}

	if password != "" {
		if data.KDF == nil || len(data.Salt) == 0 {
			return nil, IntegrityFailureErr
		}
		key, err := deriveKey(password, data.Salt, data.KDF)
		if err != nil {
			return nil, errors.Wrap(err, "[Decrypt] deriveKey")
		}
		defer zero(key)

		plaintext, err := openGCM(key, data.Ciphertext, data.IV)
		if err != nil {
			return nil, IntegrityFailureErr
		}
		return plaintext, nil
	}

	s.mu.RLock()
	key, ok := s.lookupKey(data.KeyVersion)
	s.mu.RUnlock()
	if !ok {
		return nil, UnknownKeyErr
	}

	plaintext, err := openGCM(key.material, data.Ciphertext, data.IV)
	if err != nil {
		return nil, IntegrityFailureErr
	}
	return plaintext, nil
}

// lookupKey resolves a key version against the current key and the retained
// history. Callers must hold at least a read lock.
func (s *Service) lookupKey(version int) (*rotatingKey, bool) {
	if s.current != nil && s.current.version == version {
		return s.current, true
	}
	key, ok := s.history[version]
	return key, ok
}

// RotateKey swaps in a freshly generated key as a single atomic step. The retiring
// key joins a bounded history so existing ciphertexts stay decryptable until they
// age out; keys falling off the history are zeroed.
func (s *Service) RotateKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := newRotatingKey(s.current.version+1, s.nowFunc())
	if err != nil {
		return errors.Wrap(err, "[RotateKey] generating key")
	}

	s.history[s.current.version] = s.current
	s.current = next

	for len(s.history) > maxKeyHistory {
		oldest := 0
		for v := range s.history {
			if oldest == 0 || v < oldest {
				oldest = v
			}
		}
		zero(s.history[oldest].material)
		delete(s.history, oldest)
	}
	return nil
}

// CurrentKeyVersion returns the version of the active rotating key.
func (s *Service) CurrentKeyVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.version
}

func (s *Service) kdfParams() *KDFParams {
	if s.kdf == KDFScrypt {
		return &KDFParams{Algorithm: KDFScrypt, N: scryptN, R: scryptR, P: scryptP, KeyLen: keySize}
	}
	return &KDFParams{Algorithm: KDFPBKDF2, Iterations: s.iterations, KeyLen: keySize}
}

func sealGCM(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "aes.NewCipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cipher.NewGCM")
	}
	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, errors.Wrap(err, "rand.Read nonce")
	}
	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

func openGCM(key, ciphertext, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, IntegrityFailureErr
	}
	return aead.Open(nil, iv, ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
