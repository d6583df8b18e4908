package crypto

import "errors"

var (
	IntegrityFailureErr = errors.New("integrity check failed")
	DataTooOldErr       = errors.New("encrypted data too old")
	UnknownKeyErr       = errors.New("unknown key version")
	UnsupportedKDFErr   = errors.New("unsupported key derivation function")
)
