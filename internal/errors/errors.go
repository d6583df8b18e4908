package errors

import (
	"errors"
	"fmt"
	"time"
)

// Common error types for the authentication core
var (
	// OAuth flow errors
	ErrInvalidClient        = errors.New("invalid client")
	ErrInvalidGrant         = errors.New("invalid grant")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidScope         = errors.New("invalid scope")
	ErrUnauthorizedClient   = errors.New("unauthorized client")
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// Token errors
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
	ErrTokenMissing = errors.New("token missing")

	// Session errors
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionInvalid   = errors.New("invalid session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionLocked    = errors.New("session locked")
	ErrSessionNotLocked = errors.New("session not locked")
	ErrInvalidLock      = errors.New("invalid lock")

	// Application errors
	ErrApplicationNotFound = errors.New("application not found")
	ErrApplicationInactive = errors.New("application inactive")

	// Security errors
	ErrStateMismatch      = errors.New("state mismatch")
	ErrInvalidRedirectURI = errors.New("invalid redirect URI")
	ErrIntegrityFailure   = errors.New("integrity check failed")

	// Transport errors
	ErrNetwork    = errors.New("network error")
	ErrTimeout    = errors.New("timeout")
	ErrConnection = errors.New("connection error")

	// Rate limiting
	ErrRateLimited = errors.New("rate limited")

	// Recovery outcome: no automatic strategy could restore authentication
	ErrReauthenticationRequired = errors.New("reauthentication required")

	// General errors
	ErrInternal = errors.New("internal error")
)

// Codes surfaced to callers. Every AuthError carries exactly one.
const (
	CodeInvalidClient            = "invalid_client"
	CodeInvalidGrant             = "invalid_grant"
	CodeInvalidRequest           = "invalid_request"
	CodeInvalidScope             = "invalid_scope"
	CodeUnauthorizedClient       = "unauthorized_client"
	CodeUnsupportedGrantType     = "unsupported_grant_type"
	CodeTokenExpired             = "token_expired"
	CodeTokenInvalid             = "token_invalid"
	CodeTokenRevoked             = "token_revoked"
	CodeTokenMissing             = "token_missing"
	CodeSessionExpired           = "session_expired"
	CodeSessionInvalid           = "session_invalid"
	CodeSessionNotFound          = "session_not_found"
	CodeSessionLocked            = "session_locked"
	CodeSessionNotLocked         = "session_not_locked"
	CodeInvalidLock              = "invalid_lock"
	CodeApplicationNotFound      = "application_not_found"
	CodeApplicationInactive      = "application_inactive"
	CodeStateMismatch            = "state_mismatch"
	CodeInvalidRedirectURI       = "invalid_redirect_uri"
	CodeIntegrityFailure         = "integrity_failure"
	CodeNetwork                  = "network_error"
	CodeTimeout                  = "timeout"
	CodeConnection               = "connection_error"
	CodeRateLimited              = "rate_limited"
	CodeReauthenticationRequired = "reauthentication_required"
	CodeInternal                 = "internal_error"
)

// AuthError is the error shape surfaced across component boundaries. It carries a
// machine-readable code, a human-readable message, the time of occurrence and a
// recoverability flag so callers can decide between re-prompting and waiting.
type AuthError struct {
	Code        string
	Message     string
	Timestamp   time.Time
	Recoverable bool
	cause       error
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying sentinel so errors.Is keeps working through an AuthError.
func (e *AuthError) Unwrap() error {
	return e.cause
}

// New creates an AuthError wrapping the given sentinel.
func New(code, message string, cause error, recoverable bool) *AuthError {
	return &AuthError{
		Code:        code,
		Message:     message,
		Timestamp:   time.Now(),
		Recoverable: recoverable,
		cause:       cause,
	}
}

// sentinelCodes maps sentinels to their surfaced code and recoverability.
var sentinelCodes = map[error]struct {
	code        string
	recoverable bool
}{
	ErrInvalidClient:            {CodeInvalidClient, false},
	ErrInvalidGrant:             {CodeInvalidGrant, false},
	ErrInvalidRequest:           {CodeInvalidRequest, false},
	ErrInvalidScope:             {CodeInvalidScope, false},
	ErrUnauthorizedClient:       {CodeUnauthorizedClient, false},
	ErrUnsupportedGrantType:     {CodeUnsupportedGrantType, false},
	ErrTokenExpired:             {CodeTokenExpired, true},
	ErrTokenInvalid:             {CodeTokenInvalid, false},
	ErrTokenRevoked:             {CodeTokenRevoked, false},
	ErrTokenMissing:             {CodeTokenMissing, true},
	ErrSessionExpired:           {CodeSessionExpired, true},
	ErrSessionInvalid:           {CodeSessionInvalid, false},
	ErrSessionNotFound:          {CodeSessionNotFound, false},
	ErrSessionLocked:            {CodeSessionLocked, true},
	ErrSessionNotLocked:         {CodeSessionNotLocked, false},
	ErrInvalidLock:              {CodeInvalidLock, false},
	ErrApplicationNotFound:      {CodeApplicationNotFound, false},
	ErrApplicationInactive:      {CodeApplicationInactive, false},
	ErrStateMismatch:            {CodeStateMismatch, false},
	ErrInvalidRedirectURI:       {CodeInvalidRedirectURI, false},
	ErrIntegrityFailure:         {CodeIntegrityFailure, false},
	ErrNetwork:                  {CodeNetwork, true},
	ErrTimeout:                  {CodeTimeout, true},
	ErrConnection:               {CodeConnection, true},
	ErrRateLimited:              {CodeRateLimited, true},
	ErrReauthenticationRequired: {CodeReauthenticationRequired, false},
	ErrInternal:                 {CodeInternal, false},
}

// From converts any error into an AuthError. Errors already classified pass through;
// recognized sentinels (anywhere in the chain) pick up their code and recoverability;
// everything else becomes a non-recoverable internal error.
func From(err error, message string) *AuthError {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	for sentinel, meta := range sentinelCodes {
		if errors.Is(err, sentinel) {
			return New(meta.code, message, err, meta.recoverable)
		}
	}
	return New(CodeInternal, message, err, false)
}

// IsSecurity reports whether the error belongs to the security class (CSRF/state
// mismatch, redirect tampering, integrity failures, dead applications). Security
// errors are never retried.
func IsSecurity(err error) bool {
	return errors.Is(err, ErrStateMismatch) ||
		errors.Is(err, ErrInvalidRedirectURI) ||
		errors.Is(err, ErrIntegrityFailure) ||
		errors.Is(err, ErrApplicationNotFound) ||
		errors.Is(err, ErrApplicationInactive)
}

// IsTransient reports whether the error is a network-class failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
