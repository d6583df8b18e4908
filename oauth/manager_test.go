package oauth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	autherrors "github.com/forgegate/forgegate/internal/errors"
	"github.com/forgegate/forgegate/internal/utils"
	"github.com/forgegate/forgegate/oauth"
	"github.com/forgegate/forgegate/tokenstore"
)

// testFixture wires a manager against a fake upstream token endpoint.
type testFixture struct {
	upstream *httptest.Server
	registry *oauth.ApplicationRegistry
	tokens   *tokenstore.Store
	manager  *oauth.Manager
	app      *oauth.Application

	tokenRequests int
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{}
	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/token") {
			http.NotFound(w, r)
			return
		}
		f.tokenRequests++
		require.NoError(t, r.ParseForm())

		if r.Form.Get("code") == "bad-code" || r.Form.Get("refresh_token") == "bad-refresh" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"token_type":    "bearer",
			"refresh_token": "upstream-refresh",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(f.upstream.Close)

	f.registry = oauth.NewApplicationRegistry()
	f.tokens = tokenstore.NewStore()

	manager, err := oauth.NewManager(f.registry, f.tokens)
	require.NoError(t, err)
	f.manager = manager

	app, err := f.registry.Register("Forge Gate", "https://gateway.example.com/callback", f.upstream.URL, oauth.InstanceDatacenter, []string{"repo:read"})
	require.NoError(t, err)
	f.app = app

	return f
}

func TestRegisterValidation(t *testing.T) {
	registry := oauth.NewApplicationRegistry()

	_, err := registry.Register("app", "not-a-url", "https://forge.example.com", oauth.InstanceDatacenter, nil)
	require.ErrorIs(t, err, autherrors.ErrInvalidRequest)

	_, err = registry.Register("app", "https://cb.example.com", "ftp://forge.example.com", oauth.InstanceDatacenter, nil)
	require.ErrorIs(t, err, autherrors.ErrInvalidRequest)

	_, err = registry.Register("app", "https://cb.example.com", "https://forge.example.com", "mainframe", nil)
	require.ErrorIs(t, err, autherrors.ErrInvalidRequest)

	_, err = registry.Register("", "https://cb.example.com", "https://forge.example.com", oauth.InstanceDatacenter, nil)
	require.ErrorIs(t, err, autherrors.ErrInvalidRequest)
}

func TestRegisterGeneratesStrongCredentials(t *testing.T) {
	registry := oauth.NewApplicationRegistry()

	app, err := registry.Register("app", "https://cb.example.com", "https://forge.example.com", oauth.InstanceCloud, nil)
	require.NoError(t, err)
	require.Len(t, app.ClientID, 64)
	require.Len(t, app.ClientSecret, 64)
	require.True(t, app.IsActive)

	other, err := registry.Register("other", "https://cb.example.com", "https://forge.example.com", oauth.InstanceCloud, nil)
	require.NoError(t, err)
	require.NotEqual(t, app.ClientID, other.ClientID)
	require.NotEqual(t, app.ClientSecret, other.ClientSecret)
}

func TestApplicationUpdateTogglesActive(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.registry.Update(f.app.ID, oauth.ApplicationUpdate{IsActive: utils.Ptr(false)})
	require.NoError(t, err)

	_, err = f.manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "", nil)
	require.ErrorIs(t, err, autherrors.ErrApplicationInactive)
}

func TestGenerateAuthorizationURL(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "", map[string]string{"prompt": "consent"})
	require.NoError(t, err)
	require.NotEmpty(t, result.State)
	require.Contains(t, result.URL, "/rest/oauth2/latest/authorize")
	require.Contains(t, result.URL, "client_id="+f.app.ClientID)
	require.Contains(t, result.URL, "state="+result.State)
	require.Contains(t, result.URL, "prompt=consent")
	require.Equal(t, 1, f.manager.PendingStates())
}

func TestGenerateAuthorizationURLHonorsCallerState(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "caller-state", nil)
	require.NoError(t, err)
	require.Equal(t, "caller-state", result.State)
}

func TestGenerateAuthorizationURLUnknownApplication(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.GenerateAuthorizationURL(context.Background(), "no-such-app", "", nil)
	require.ErrorIs(t, err, autherrors.ErrApplicationNotFound)
}

func TestExchangeCodeForTokens(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "", nil)
	require.NoError(t, err)

	pair, err := f.manager.ExchangeCodeForTokens(context.Background(), result.State, "good-code", f.app.RedirectURI, f.app.ID)
	require.NoError(t, err)
	require.Equal(t, "upstream-access", pair.AccessToken.Token)
	require.Equal(t, "bearer", pair.AccessToken.TokenType)
	require.NotNil(t, pair.RefreshToken)
	require.Equal(t, "upstream-refresh", pair.RefreshToken.Token)
	require.Equal(t, f.app.ID, pair.RefreshToken.ApplicationID)
}

func TestStateSingleUseAfterSuccess(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "", nil)
	require.NoError(t, err)

	_, err = f.manager.ExchangeCodeForTokens(context.Background(), result.State, "good-code", f.app.RedirectURI, f.app.ID)
	require.NoError(t, err)

	_, err = f.manager.ExchangeCodeForTokens(context.Background(), result.State, "good-code", f.app.RedirectURI, f.app.ID)
	require.ErrorIs(t, err, autherrors.ErrStateMismatch)
}

func TestStateSingleUseAfterFailure(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "", nil)
	require.NoError(t, err)

	_, err = f.manager.ExchangeCodeForTokens(context.Background(), result.State, "bad-code", f.app.RedirectURI, f.app.ID)
	require.ErrorIs(t, err, autherrors.ErrInvalidGrant)

	// The failed exchange consumed the state; retries cannot replay it.
	_, err = f.manager.ExchangeCodeForTokens(context.Background(), result.State, "good-code", f.app.RedirectURI, f.app.ID)
	require.ErrorIs(t, err, autherrors.ErrStateMismatch)
}

func TestExchangeUnknownState(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.ExchangeCodeForTokens(context.Background(), "unknown", "code", f.app.RedirectURI, f.app.ID)
	require.ErrorIs(t, err, autherrors.ErrStateMismatch)
	require.Equal(t, 0, f.tokenRequests)
}

func TestExchangeRedirectURIMismatch(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "", nil)
	require.NoError(t, err)

	_, err = f.manager.ExchangeCodeForTokens(context.Background(), result.State, "good-code", "https://attacker.example.com/cb", f.app.ID)
	require.ErrorIs(t, err, autherrors.ErrInvalidRedirectURI)
	require.Equal(t, 0, f.tokenRequests)
}

func TestExpiredStateRejected(t *testing.T) {
	now := time.Now()
	f := setupTestFixture(t)

	manager, err := oauth.NewManager(f.registry, f.tokens, oauth.WithNowFunc(func() time.Time { return now }))
	require.NoError(t, err)

	result, err := manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "", nil)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = manager.ExchangeCodeForTokens(context.Background(), result.State, "good-code", f.app.RedirectURI, f.app.ID)
	require.ErrorIs(t, err, autherrors.ErrStateMismatch)
}

func TestStateSweepBoundsAbandonedAttempts(t *testing.T) {
	now := time.Now()
	f := setupTestFixture(t)

	manager, err := oauth.NewManager(f.registry, f.tokens, oauth.WithNowFunc(func() time.Time { return now }))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := manager.GenerateAuthorizationURL(context.Background(), f.app.ID, "", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 5, manager.PendingStates())

	now = now.Add(11 * time.Minute)
	require.Equal(t, 5, manager.SweepStates())
	require.Equal(t, 0, manager.PendingStates())
}

func TestRefreshAccessToken(t *testing.T) {
	f := setupTestFixture(t)

	refreshToken, err := f.tokens.StoreRefreshToken(&tokenstore.RefreshToken{
		Token:         "stored-refresh",
		UserID:        "user-1",
		ApplicationID: f.app.ID,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	accessToken, err := f.manager.RefreshAccessToken(context.Background(), refreshToken.ID, f.app.ID)
	require.NoError(t, err)
	require.Equal(t, "upstream-access", accessToken.Token)
	require.Equal(t, refreshToken.ID, accessToken.RefreshTokenID)

	// The new access token is persisted for the refresh token's user
	accessTokens, _, err := f.tokens.ListForUser("user-1")
	require.NoError(t, err)
	require.Len(t, accessTokens, 1)
}

func TestRefreshRejectsRevokedTokenBeforeUpstream(t *testing.T) {
	f := setupTestFixture(t)

	refreshToken, err := f.tokens.StoreRefreshToken(&tokenstore.RefreshToken{
		Token:         "stored-refresh",
		UserID:        "user-1",
		ApplicationID: f.app.ID,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.tokens.RevokeRefreshToken(refreshToken.ID))

	_, err = f.manager.RefreshAccessToken(context.Background(), refreshToken.ID, f.app.ID)
	require.ErrorIs(t, err, autherrors.ErrTokenRevoked)
	require.Equal(t, 0, f.tokenRequests)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	f := setupTestFixture(t)

	refreshToken, err := f.tokens.StoreRefreshToken(&tokenstore.RefreshToken{
		Token:         "stored-refresh",
		UserID:        "user-1",
		ApplicationID: f.app.ID,
		ExpiresAt:     time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	_, err = f.manager.RefreshAccessToken(context.Background(), refreshToken.ID, f.app.ID)
	require.ErrorIs(t, err, autherrors.ErrTokenExpired)
	require.Equal(t, 0, f.tokenRequests)
}
