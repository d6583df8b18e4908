package tokenstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgegate/forgegate/crypto"
	autherrors "github.com/forgegate/forgegate/internal/errors"
	"github.com/forgegate/forgegate/tokenstore"
)

func TestStoreAndGetAccessToken(t *testing.T) {
	store := tokenstore.NewStore()

	stored, err := store.StoreAccessToken(&tokenstore.AccessToken{
		Token:     "upstream-access-token",
		TokenType: "bearer",
		ExpiresAt: time.Now().Add(time.Hour),
		Scope:     []string{"repo:read"},
	}, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	require.True(t, stored.IsValid)

	got, err := store.GetAccessToken(stored.ID)
	require.NoError(t, err)
	require.Equal(t, "upstream-access-token", got.Token)
	require.Equal(t, []string{"repo:read"}, got.Scope)
}

func TestGetExpiredAccessTokenDeletesIt(t *testing.T) {
	now := time.Now()
	store := tokenstore.NewStore(tokenstore.WithNowFunc(func() time.Time { return now }))

	stored, err := store.StoreAccessToken(&tokenstore.AccessToken{
		Token:     "short-lived",
		ExpiresAt: now.Add(time.Minute),
	}, "user-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.GetAccessToken(stored.ID)
	require.ErrorIs(t, err, autherrors.ErrTokenMissing)

	// Deleted, not just hidden
	require.Equal(t, 0, store.Stats().AccessTokens)
}

func TestEncryptionAtRest(t *testing.T) {
	cryptoService, err := crypto.NewService()
	require.NoError(t, err)

	store := tokenstore.NewStore(tokenstore.WithEncryption(cryptoService))

	stored, err := store.StoreAccessToken(&tokenstore.AccessToken{
		Token:     "sensitive-token",
		ExpiresAt: time.Now().Add(time.Hour),
	}, "user-1")
	require.NoError(t, err)

	got, err := store.GetAccessToken(stored.ID)
	require.NoError(t, err)
	require.Equal(t, "sensitive-token", got.Token)

	// Round trip through a key rotation still decrypts
	require.NoError(t, cryptoService.RotateKey())
	got, err = store.GetAccessToken(stored.ID)
	require.NoError(t, err)
	require.Equal(t, "sensitive-token", got.Token)
}

func TestDanglingRefreshReferenceRejected(t *testing.T) {
	store := tokenstore.NewStore()

	_, err := store.StoreAccessToken(&tokenstore.AccessToken{
		Token:          "access",
		ExpiresAt:      time.Now().Add(time.Hour),
		RefreshTokenID: "never-existed",
	}, "user-1")
	require.ErrorIs(t, err, autherrors.ErrTokenInvalid)
}

func TestRevokedRefreshReferenceStillAccepted(t *testing.T) {
	store := tokenstore.NewStore()

	refresh, err := store.StoreRefreshToken(&tokenstore.RefreshToken{
		Token:     "refresh",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, store.RevokeRefreshToken(refresh.ID))
	store.CleanupExpired() // revoked token is physically removed

	// The reference is to an explicitly revoked token: allowed, not dangling.
	_, err = store.StoreAccessToken(&tokenstore.AccessToken{
		Token:          "access",
		ExpiresAt:      time.Now().Add(time.Hour),
		RefreshTokenID: refresh.ID,
	}, "user-1")
	require.NoError(t, err)
}

func TestListForUser(t *testing.T) {
	store := tokenstore.NewStore()

	_, err := store.StoreAccessToken(&tokenstore.AccessToken{Token: "a1", ExpiresAt: time.Now().Add(time.Hour)}, "user-1")
	require.NoError(t, err)
	_, err = store.StoreAccessToken(&tokenstore.AccessToken{Token: "a2", ExpiresAt: time.Now().Add(time.Hour)}, "user-2")
	require.NoError(t, err)
	_, err = store.StoreRefreshToken(&tokenstore.RefreshToken{Token: "r1", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	accessTokens, refreshTokens, err := store.ListForUser("user-1")
	require.NoError(t, err)
	require.Len(t, accessTokens, 1)
	require.Len(t, refreshTokens, 1)
	require.Equal(t, "a1", accessTokens[0].Token)
}

func TestCleanupExpiredRemovesRevokedRefreshTokens(t *testing.T) {
	now := time.Now()
	store := tokenstore.NewStore(tokenstore.WithNowFunc(func() time.Time { return now }))

	expired, err := store.StoreAccessToken(&tokenstore.AccessToken{Token: "a", ExpiresAt: now.Add(time.Minute)}, "u")
	require.NoError(t, err)
	_ = expired

	revoked, err := store.StoreRefreshToken(&tokenstore.RefreshToken{Token: "r", UserID: "u", ExpiresAt: now.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, store.RevokeRefreshToken(revoked.ID))

	// Unexpired, unrevoked token survives
	_, err = store.StoreRefreshToken(&tokenstore.RefreshToken{Token: "keep", UserID: "u", ExpiresAt: now.Add(24 * time.Hour)})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	removed := store.CleanupExpired()
	require.Equal(t, 2, removed)

	stats := store.Stats()
	require.Equal(t, 0, stats.AccessTokens)
	require.Equal(t, 1, stats.RefreshTokens)
}

func TestRemoveUserTokens(t *testing.T) {
	store := tokenstore.NewStore()

	_, err := store.StoreAccessToken(&tokenstore.AccessToken{Token: "a", ExpiresAt: time.Now().Add(time.Hour)}, "user-1")
	require.NoError(t, err)
	_, err = store.StoreRefreshToken(&tokenstore.RefreshToken{Token: "r", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	require.Equal(t, 2, store.RemoveUserTokens("user-1"))
	accessTokens, refreshTokens, err := store.ListForUser("user-1")
	require.NoError(t, err)
	require.Empty(t, accessTokens)
	require.Empty(t, refreshTokens)
}

func TestMarkUsedTimestamps(t *testing.T) {
	now := time.Now()
	store := tokenstore.NewStore(tokenstore.WithNowFunc(func() time.Time { return now }))

	stored, err := store.StoreAccessToken(&tokenstore.AccessToken{Token: "a", ExpiresAt: now.Add(time.Hour)}, "u")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	require.NoError(t, store.MarkAccessTokenUsed(stored.ID))

	got, err := store.GetAccessToken(stored.ID)
	require.NoError(t, err)
	require.Equal(t, now, got.LastUsedAt)
}
