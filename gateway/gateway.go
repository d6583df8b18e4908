// Package gateway is the authentication entry point for the tool-dispatch layer:
// every tool execution passes through AuthenticateRequest and
// ValidateToolPermissions before touching the upstream API.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	autherrors "github.com/forgegate/forgegate/internal/errors"
	"github.com/forgegate/forgegate/internal/utils"
	"github.com/forgegate/forgegate/oauth"
	"github.com/forgegate/forgegate/ratelimit"
	"github.com/forgegate/forgegate/recovery"
	"github.com/forgegate/forgegate/sessions"
	"github.com/forgegate/forgegate/tokenstore"
)

const (
	// refreshWindow is how close to access-token expiry a request triggers a
	// transparent refresh.
	defaultRefreshWindow = 5 * time.Minute

	rateLimitScope = "auth"
)

// Credentials is the material a client presents on each request.
type Credentials struct {
	SessionToken string // signed session token minted by IssueSessionToken
	Identifier   string // rate-limit identity, typically the client address
}

// Gateway brokers authentication for tool execution: admission control, session
// token verification, session validation with transparent token refresh, and
// recovery on failure.
type Gateway struct {
	limiter    *ratelimit.Limiter
	sessions   *sessions.Manager
	tokens     *tokenstore.Store
	oauth      *oauth.Manager
	recovery   *recovery.Coordinator
	signingKey []byte

	refreshWindow time.Duration
	refreshGroup  singleflight.Group
	nowFunc       func() time.Time
}

type GatewayOption func(*Gateway)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.nowFunc = now
	}
}

// WithRefreshWindow overrides how close to expiry an access token is refreshed.
func WithRefreshWindow(window time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.refreshWindow = window
	}
}

// NewGateway wires the gateway against its collaborators. The signing key
// authenticates session tokens and must be at least 32 bytes.
func NewGateway(
	limiter *ratelimit.Limiter,
	sessionManager *sessions.Manager,
	tokens *tokenstore.Store,
	oauthManager *oauth.Manager,
	coordinator *recovery.Coordinator,
	signingKey []byte,
	options ...GatewayOption,
) (*Gateway, error) {
	if limiter == nil || sessionManager == nil || tokens == nil || oauthManager == nil || coordinator == nil {
		return nil, errors.New("[NewGateway] all collaborators are required")
	}
	if len(signingKey) < 32 {
		return nil, errors.New("[NewGateway] signing key must be at least 32 bytes")
	}
	g := &Gateway{
		limiter:       limiter,
		sessions:      sessionManager,
		tokens:        tokens,
		oauth:         oauthManager,
		recovery:      coordinator,
		signingKey:    signingKey,
		refreshWindow: defaultRefreshWindow,
		nowFunc:       time.Now,
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// AuthenticateRequest is the single entry point used before any tool executes.
// The pipeline: rate limiter admits or denies, the session token is verified,
// the session is validated and touched, and an access token close to expiry is
// refreshed transparently. Failures go through the recovery coordinator before
// being surfaced.
func (g *Gateway) AuthenticateRequest(ctx context.Context, credentials Credentials) (*sessions.UserSession, error) {
	if result := g.limiter.CheckRateLimit(credentials.Identifier, rateLimitScope); !result.Allowed {
		return nil, autherrors.From(autherrors.ErrRateLimited, "request denied by rate limiter")
	}

	sessionID, err := g.verifySessionToken(credentials.SessionToken)
	if err != nil {
		return nil, err
	}

	session, err := g.sessions.ValidateSession(sessionID)
	if err != nil {
		return g.recoverAuthentication(ctx, sessionID, err)
	}
	if err := g.sessions.UpdateActivity(sessionID); err != nil {
		return nil, autherrors.From(err, "failed to record session activity")
	}

	if err := g.maybeRefreshAccessToken(ctx, session); err != nil {
		return g.recoverAuthentication(ctx, sessionID, err)
	}
	return session, nil
}

// ValidateToolPermissions reports whether the session may invoke the tool. The
// "admin" permission grants everything; "tool:*" grants every tool; otherwise all
// required permissions must be held.
func (g *Gateway) ValidateToolPermissions(toolName string, session *sessions.UserSession, required []string) bool {
	if session == nil || session.State != sessions.StateAuthenticated {
		return false
	}
	held := make(map[string]struct{}, len(session.Permissions))
	for _, p := range session.Permissions {
		held[p] = struct{}{}
	}
	if _, ok := held["admin"]; ok {
		return true
	}
	if _, ok := held["tool:*"]; ok {
		return true
	}
	// Without explicit requirements the tool's own permission gates access.
	if len(required) == 0 && strings.TrimSpace(toolName) != "" {
		_, ok := held["tool:"+toolName]
		return ok
	}
	for _, p := range required {
		if _, ok := held[p]; !ok {
			return false
		}
	}
	return true
}

// IssueSessionToken mints the signed token the client presents on subsequent
// requests. The token carries the session ID and user identity, never token
// material.
func (g *Gateway) IssueSessionToken(session *sessions.UserSession) (string, error) {
	if session == nil {
		return "", errors.Wrap(autherrors.ErrInvalidRequest, "[IssueSessionToken] session is required")
	}
	now := g.nowFunc()
	claims := jwt.MapClaims{
		"sid":         session.ID,
		"sub":         session.UserID,
		"name":        session.UserName,
		"permissions": session.Permissions,
		"iat":         now.Unix(),
		"exp":         session.ExpiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.signingKey)
	if err != nil {
		return "", errors.Wrap(err, "[IssueSessionToken] signing failed")
	}
	return signed, nil
}

// verifySessionToken validates the signature and shape of a session token and
// extracts the session ID.
func (g *Gateway) verifySessionToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", autherrors.From(autherrors.ErrTokenMissing, "no session token presented")
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return g.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(g.nowFunc))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", autherrors.From(autherrors.ErrSessionExpired, "session token expired")
		}
		return "", autherrors.From(autherrors.ErrTokenInvalid, "session token rejected")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", autherrors.From(autherrors.ErrTokenInvalid, "unexpected claims shape")
	}
	sessionID, _ := claims["sid"].(string)
	if sessionID == "" {
		return "", autherrors.From(autherrors.ErrTokenInvalid, "session token carries no session")
	}
	return sessionID, nil
}

// TokenPermissions extracts the permission claims from a verified session token
// without consulting the session manager. Used by the HTTP layer for cheap
// pre-checks; authoritative decisions still go through ValidateToolPermissions.
func (g *Gateway) TokenPermissions(tokenString string) ([]string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return g.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(g.nowFunc))
	if err != nil {
		return nil, autherrors.From(autherrors.ErrTokenInvalid, "session token rejected")
	}
	claims, _ := token.Claims.(jwt.MapClaims)
	raw, _ := claims["permissions"].([]any)
	return utils.ToStringSlice(raw), nil
}

// maybeRefreshAccessToken refreshes the session's access token when it is inside
// the refresh window. Concurrent requests for the same session are deduplicated so
// the upstream sees at most one refresh.
func (g *Gateway) maybeRefreshAccessToken(ctx context.Context, session *sessions.UserSession) error {
	if session.AccessTokenID == "" || session.RefreshTokenID == "" {
		return nil
	}
	accessToken, err := g.tokens.GetAccessToken(session.AccessTokenID)
	if err != nil {
		if errors.Is(err, autherrors.ErrTokenMissing) {
			// The token lapsed and was lazily deleted; treat as expired.
			return g.refreshNow(ctx, session)
		}
		return err
	}
	if accessToken.ExpiresAt.Sub(g.nowFunc()) > g.refreshWindow {
		return nil
	}
	return g.refreshNow(ctx, session)
}

func (g *Gateway) refreshNow(ctx context.Context, session *sessions.UserSession) error {
	refreshToken, err := g.tokens.GetRefreshToken(session.RefreshTokenID)
	if err != nil {
		return autherrors.From(err, "refresh token unavailable")
	}

	_, err, _ = g.refreshGroup.Do(session.ID, func() (any, error) {
		if err := g.sessions.BeginTokenRefresh(session.ID); err != nil {
			// Another request already moved the session through a refresh.
			if errors.Is(err, autherrors.ErrSessionInvalid) {
				return nil, nil
			}
			return nil, err
		}
		newToken, err := g.oauth.RefreshAccessToken(ctx, session.RefreshTokenID, refreshToken.ApplicationID)
		if err != nil {
			_ = g.sessions.CompleteTokenRefresh(session.ID, "", false)
			return nil, err
		}
		if err := g.sessions.CompleteTokenRefresh(session.ID, newToken.ID, true); err != nil {
			return nil, err
		}
		session.AccessTokenID = newToken.ID
		return nil, nil
	})
	return err
}

// recoverAuthentication hands a failed authentication to the recovery coordinator.
// A recovered session is re-validated and returned; anything else surfaces the
// coordinator's error.
func (g *Gateway) recoverAuthentication(ctx context.Context, sessionID string, cause error) (*sessions.UserSession, error) {
	failure := recovery.Failure{
		Err:       cause,
		SessionID: sessionID,
		Operation: func(context.Context) error {
			_, err := g.sessions.ValidateSession(sessionID)
			return err
		},
	}
	if session, err := g.sessions.GetSession(sessionID); err == nil {
		failure.RefreshTokenID = session.RefreshTokenID
		if session.RefreshTokenID != "" {
			if refreshToken, err := g.tokens.GetRefreshToken(session.RefreshTokenID); err == nil {
				failure.ApplicationID = refreshToken.ApplicationID
			}
		}
	}

	if _, err := g.recovery.Recover(ctx, failure); err != nil {
		return nil, err
	}
	session, err := g.sessions.ValidateSession(sessionID)
	if err != nil {
		return nil, autherrors.From(err, "session unavailable after recovery")
	}
	_ = g.sessions.UpdateActivity(sessionID)
	return session, nil
}
