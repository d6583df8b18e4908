package tokenstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/forgegate/forgegate/crypto"
	autherrors "github.com/forgegate/forgegate/internal/errors"
)

// storedAccess is the at-rest form of an access token. When encryption is enabled
// Token is empty and cipher holds the material.
type storedAccess struct {
	token  AccessToken
	owner  string
	cipher *crypto.EncryptedData
}

type storedRefresh struct {
	token  RefreshToken
	cipher *crypto.EncryptedData
}

// Store keeps access and refresh tokens, optionally encrypted at rest through the
// injected crypto service. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	access    map[string]*storedAccess
	refresh   map[string]*storedRefresh
	revokedID map[string]struct{} // refresh token ids revoked then cleaned up
	crypto    *crypto.Service
	nowFunc   func() time.Time
}

type StoreOption func(*Store)

// WithEncryption enables at-rest encryption of token material.
func WithEncryption(cryptoService *crypto.Service) StoreOption {
	return func(s *Store) {
		s.crypto = cryptoService
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

func NewStore(options ...StoreOption) *Store {
	s := &Store{
		access:    make(map[string]*storedAccess),
		refresh:   make(map[string]*storedRefresh),
		revokedID: make(map[string]struct{}),
		nowFunc:   time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// StoreAccessToken stores an access token for an owner. An empty ID is assigned.
// A RefreshTokenID referencing neither a stored nor an explicitly revoked refresh
// token is rejected rather than left dangling.
func (s *Store) StoreAccessToken(token *AccessToken, ownerID string) (*AccessToken, error) {
	if token == nil || token.Token == "" {
		return nil, errors.Wrap(autherrors.ErrTokenMissing, "[StoreAccessToken]")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if token.RefreshTokenID != "" {
		if _, ok := s.refresh[token.RefreshTokenID]; !ok {
			if _, revoked := s.revokedID[token.RefreshTokenID]; !revoked {
				return nil, errors.Wrapf(autherrors.ErrTokenInvalid, "[StoreAccessToken] refresh token %s unknown", token.RefreshTokenID)
			}
		}
	}

	stored := *token
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.nowFunc()
	}
	stored.IsValid = true

	record := &storedAccess{token: stored, owner: ownerID}
	if s.crypto != nil {
		cipher, err := s.crypto.Encrypt([]byte(stored.Token), "")
		if err != nil {
			return nil, errors.Wrap(err, "[StoreAccessToken] encrypting")
		}
		record.cipher = cipher
		record.token.Token = ""
	}
	s.access[stored.ID] = record

	out := stored
	return &out, nil
}

// StoreRefreshToken stores a refresh token. An empty ID is assigned.
func (s *Store) StoreRefreshToken(token *RefreshToken) (*RefreshToken, error) {
	if token == nil || token.Token == "" {
		return nil, errors.Wrap(autherrors.ErrTokenMissing, "[StoreRefreshToken]")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *token
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.nowFunc()
	}

	record := &storedRefresh{token: stored}
	if s.crypto != nil {
		cipher, err := s.crypto.Encrypt([]byte(stored.Token), "")
		if err != nil {
			return nil, errors.Wrap(err, "[StoreRefreshToken] encrypting")
		}
		record.cipher = cipher
		record.token.Token = ""
	}
	s.refresh[stored.ID] = record

	out := stored
	return &out, nil
}

// GetAccessToken retrieves and decrypts an access token. A token past its expiry is
// deleted and reported as not found so callers never observe stale credentials.
func (s *Store) GetAccessToken(tokenID string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.access[tokenID]
	if !ok {
		return nil, autherrors.ErrTokenMissing
	}
	if record.token.Expired(s.nowFunc()) {
		delete(s.access, tokenID)
		return nil, autherrors.ErrTokenMissing
	}
	return s.materializeAccess(record)
}

// GetRefreshToken retrieves and decrypts a refresh token. Revoked and expired
// tokens are reported as such, not hidden: the OAuth manager needs to distinguish
// them before contacting upstream.
func (s *Store) GetRefreshToken(tokenID string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refresh[tokenID]
	if !ok {
		return nil, autherrors.ErrTokenMissing
	}
	return s.materializeRefresh(record)
}

// MarkAccessTokenUsed updates the access token's last-used timestamp.
func (s *Store) MarkAccessTokenUsed(tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.access[tokenID]
	if !ok {
		return autherrors.ErrTokenMissing
	}
	record.token.LastUsedAt = s.nowFunc()
	return nil
}

// MarkRefreshTokenUsed updates the refresh token's last-used timestamp.
func (s *Store) MarkRefreshTokenUsed(tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refresh[tokenID]
	if !ok {
		return autherrors.ErrTokenMissing
	}
	record.token.LastUsedAt = s.nowFunc()
	return nil
}

// RemoveAccessToken deletes an access token.
func (s *Store) RemoveAccessToken(tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.access[tokenID]; !ok {
		return autherrors.ErrTokenMissing
	}
	delete(s.access, tokenID)
	return nil
}

// RevokeRefreshToken marks a refresh token revoked. The record is retained until
// CleanupExpired so access tokens referencing it do not dangle.
func (s *Store) RevokeRefreshToken(tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refresh[tokenID]
	if !ok {
		return autherrors.ErrTokenMissing
	}
	record.token.IsRevoked = true
	s.revokedID[tokenID] = struct{}{}
	return nil
}

// ListForUser returns decrypted access and refresh tokens belonging to a user.
// Access tokens are matched by owner, refresh tokens by their UserID field.
func (s *Store) ListForUser(userID string) ([]*AccessToken, []*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var accessTokens []*AccessToken
	for _, record := range s.access {
		if record.owner != userID {
			continue
		}
		token, err := s.materializeAccess(record)
		if err != nil {
			return nil, nil, err
		}
		accessTokens = append(accessTokens, token)
	}

	var refreshTokens []*RefreshToken
	for _, record := range s.refresh {
		if record.token.UserID != userID {
			continue
		}
		token, err := s.materializeRefresh(record)
		if err != nil {
			return nil, nil, err
		}
		refreshTokens = append(refreshTokens, token)
	}
	return accessTokens, refreshTokens, nil
}

// RemoveUserTokens deletes every token owned by the user and returns the count.
func (s *Store) RemoveUserTokens(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.access {
		if record.owner == userID {
			delete(s.access, id)
			removed++
		}
	}
	for id, record := range s.refresh {
		if record.token.UserID == userID {
			delete(s.refresh, id)
			s.revokedID[id] = struct{}{}
			removed++
		}
	}
	return removed
}

// CleanupExpired removes expired access tokens and expired or revoked refresh
// tokens, returning the number removed.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	removed := 0
	for id, record := range s.access {
		if record.token.Expired(now) {
			delete(s.access, id)
			removed++
		}
	}
	for id, record := range s.refresh {
		if record.token.Expired(now) || record.token.IsRevoked {
			delete(s.refresh, id)
			s.revokedID[id] = struct{}{}
			removed++
		}
	}
	return removed
}

// Stats returns current store contents.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		AccessTokens:  len(s.access),
		RefreshTokens: len(s.refresh),
		Revoked:       len(s.revokedID),
	}
}

func (s *Store) materializeAccess(record *storedAccess) (*AccessToken, error) {
	out := record.token
	if record.cipher != nil {
		plain, err := s.crypto.Decrypt(record.cipher, "")
		if err != nil {
			return nil, errors.Wrap(err, "[materializeAccess] decrypting")
		}
		out.Token = string(plain)
	}
	out.Scope = append([]string(nil), record.token.Scope...)
	return &out, nil
}

func (s *Store) materializeRefresh(record *storedRefresh) (*RefreshToken, error) {
	out := record.token
	if record.cipher != nil {
		plain, err := s.crypto.Decrypt(record.cipher, "")
		if err != nil {
			return nil, errors.Wrap(err, "[materializeRefresh] decrypting")
		}
		out.Token = string(plain)
	}
	return &out, nil
}
