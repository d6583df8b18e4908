package tokenstore

import "time"

// AccessToken is a short-lived upstream credential. Token material is encrypted at
// rest when the store is constructed with a crypto service; the struct handed to
// callers always carries plaintext.
type AccessToken struct {
	ID             string
	Token          string
	TokenType      string
	ExpiresAt      time.Time
	Scope          []string
	RefreshTokenID string // optional back-reference; never dangles (see Store)
	CreatedAt      time.Time
	LastUsedAt     time.Time
	IsValid        bool
}

// RefreshToken is a long-lived credential used to reissue access tokens. One
// refresh token may outlive many access tokens minted from it.
type RefreshToken struct {
	ID            string
	Token         string
	UserID        string
	ApplicationID string
	ExpiresAt     time.Time
	IsRevoked     bool
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

// Expired reports whether the access token's lifetime has passed at the given time.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Expired reports whether the refresh token's lifetime has passed at the given time.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Stats describes the store's current contents.
type Stats struct {
	AccessTokens  int
	RefreshTokens int
	Revoked       int
}
