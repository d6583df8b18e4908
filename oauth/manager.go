package oauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/forgegate/forgegate/crypto"
	autherrors "github.com/forgegate/forgegate/internal/errors"
	"github.com/forgegate/forgegate/tokenstore"
)

const (
	stateTokenLength   = 64 // hex chars, 256 bits of entropy
	upstreamTimeout    = 30 * time.Second
	defaultAccessTTL   = time.Hour
	defaultRefreshTTL  = 30 * 24 * time.Hour
	datacenterAuthPath = "/rest/oauth2/latest/authorize"
	datacenterToken    = "/rest/oauth2/latest/token"
	cloudAuthPath      = "/site/oauth2/authorize"
	cloudTokenPath     = "/site/oauth2/access_token"
)

// AuthorizationURL is the result of GenerateAuthorizationURL.
type AuthorizationURL struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

// TokenPair carries the freshly exchanged tokens. Neither token has been persisted
// yet; the caller stores them once the owning user is known.
type TokenPair struct {
	AccessToken  *tokenstore.AccessToken
	RefreshToken *tokenstore.RefreshToken
}

// Manager drives the OAuth 2.0 authorization-code flow against the upstream forge
// identity endpoints. It owns the application registry and the pending
// authorization states; issued tokens live in the token store.
type Manager struct {
	registry   *ApplicationRegistry
	tokens     *tokenstore.Store
	states     *stateStore
	httpClient *http.Client
	nowFunc    func() time.Time
}

type ManagerOption func(*Manager)

// WithHTTPClient overrides the client used for upstream calls (and OIDC discovery).
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
		m.states.nowFunc = now
	}
}

// NewManager creates an OAuth authorization manager.
func NewManager(registry *ApplicationRegistry, tokens *tokenstore.Store, options ...ManagerOption) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("[NewManager] application registry is required")
	}
	if tokens == nil {
		return nil, errors.New("[NewManager] token store is required")
	}
	m := &Manager{
		registry:   registry,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: upstreamTimeout},
		nowFunc:    time.Now,
	}
	m.states = newStateStore(time.Now)
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Registry exposes the application registry for administrative operations.
func (m *Manager) Registry() *ApplicationRegistry {
	return m.registry
}

// GenerateAuthorizationURL issues an authorization URL for the application. When no
// caller-supplied state is given a fresh one is generated. The state entry is held
// for ten minutes and is single use.
func (m *Manager) GenerateAuthorizationURL(ctx context.Context, applicationID, state string, extraParams map[string]string) (*AuthorizationURL, error) {
	app, err := m.registry.GetActive(applicationID)
	if err != nil {
		return nil, errors.Wrap(err, "[GenerateAuthorizationURL]")
	}

	if state == "" {
		state, err = crypto.GenerateSecureToken(stateTokenLength)
		if err != nil {
			return nil, errors.Wrap(err, "[GenerateAuthorizationURL] generating state")
		}
	}

	cfg, err := m.oauthConfig(ctx, app)
	if err != nil {
		return nil, errors.Wrap(err, "[GenerateAuthorizationURL] resolving endpoints")
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(extraParams))
	for key, value := range extraParams {
		opts = append(opts, oauth2.SetAuthURLParam(key, value))
	}

	now := m.nowFunc()
	entry := &AuthorizationState{
		State:         state,
		ApplicationID: app.ID,
		RedirectURI:   app.RedirectURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(stateTTL),
	}
	m.states.Put(entry)

	return &AuthorizationURL{
		URL:       cfg.AuthCodeURL(state, opts...),
		State:     state,
		ExpiresAt: entry.ExpiresAt,
	}, nil
}

// ExchangeCodeForTokens completes the authorization-code flow. The state must be
// known, unexpired and bound to the application, and the redirect URI must exactly
// match the registered value. The state entry is consumed even when the exchange
// fails so neither code nor state can be replayed across retries.
func (m *Manager) ExchangeCodeForTokens(ctx context.Context, state, code, redirectURI, applicationID string) (*TokenPair, error) {
	entry, err := m.states.Consume(state)
	if err != nil {
		return nil, errors.Wrap(err, "[ExchangeCodeForTokens]")
	}
	if entry.ApplicationID != applicationID {
		return nil, errors.Wrap(autherrors.ErrStateMismatch, "[ExchangeCodeForTokens] state bound to another application")
	}

	app, err := m.registry.GetActive(applicationID)
	if err != nil {
		return nil, errors.Wrap(err, "[ExchangeCodeForTokens]")
	}
	if redirectURI != entry.RedirectURI {
		return nil, errors.Wrap(autherrors.ErrInvalidRedirectURI, "[ExchangeCodeForTokens] redirect URI does not match registration")
	}

	cfg, err := m.oauthConfig(ctx, app)
	if err != nil {
		return nil, errors.Wrap(err, "[ExchangeCodeForTokens] resolving endpoints")
	}

	upstream, err := cfg.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, errors.Wrap(mapUpstreamError(err), "[ExchangeCodeForTokens] upstream exchange")
	}
	return m.tokenPairFrom(upstream, app), nil
}

// RefreshAccessToken obtains a fresh access token using a stored refresh token.
// Revoked and expired refresh tokens are rejected before contacting upstream. The
// new access token is persisted for the refresh token's user and returned.
func (m *Manager) RefreshAccessToken(ctx context.Context, refreshTokenID, applicationID string) (*tokenstore.AccessToken, error) {
	refreshToken, err := m.tokens.GetRefreshToken(refreshTokenID)
	if err != nil {
		return nil, errors.Wrap(err, "[RefreshAccessToken]")
	}
	if refreshToken.IsRevoked {
		return nil, errors.Wrap(autherrors.ErrTokenRevoked, "[RefreshAccessToken]")
	}
	if refreshToken.Expired(m.nowFunc()) {
		return nil, errors.Wrap(autherrors.ErrTokenExpired, "[RefreshAccessToken]")
	}
	if refreshToken.ApplicationID != "" && refreshToken.ApplicationID != applicationID {
		return nil, errors.Wrap(autherrors.ErrTokenInvalid, "[RefreshAccessToken] token issued to another application")
	}

	app, err := m.registry.GetActive(applicationID)
	if err != nil {
		return nil, errors.Wrap(err, "[RefreshAccessToken]")
	}

	cfg, err := m.oauthConfig(ctx, app)
	if err != nil {
		return nil, errors.Wrap(err, "[RefreshAccessToken] resolving endpoints")
	}

	source := cfg.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken.Token})
	upstream, err := source.Token()
	if err != nil {
		return nil, errors.Wrap(mapUpstreamError(err), "[RefreshAccessToken] upstream refresh")
	}

	accessToken := m.accessTokenFrom(upstream, app)
	accessToken.RefreshTokenID = refreshToken.ID

	stored, err := m.tokens.StoreAccessToken(accessToken, refreshToken.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "[RefreshAccessToken] storing")
	}
	if err := m.tokens.MarkRefreshTokenUsed(refreshToken.ID); err != nil {
		return nil, errors.Wrap(err, "[RefreshAccessToken] marking refresh token used")
	}
	return stored, nil
}

// StartStateSweep deletes expired authorization states every five minutes until the
// returned stop function is called.
func (m *Manager) StartStateSweep() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(stateSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := m.states.Sweep(); removed > 0 {
					log.Debug().Int("removed", removed).Msg("swept expired authorization states")
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// SweepStates removes expired authorization states immediately, returning the count.
func (m *Manager) SweepStates() int {
	return m.states.Sweep()
}

// PendingStates reports the number of outstanding authorization states.
func (m *Manager) PendingStates() int {
	return m.states.Len()
}

func (m *Manager) oauthConfig(ctx context.Context, app *Application) (*oauth2.Config, error) {
	endpoint, err := m.resolveEndpoint(ctx, app)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURI,
		Scopes:       app.Scopes,
		Endpoint:     endpoint,
	}, nil
}

// resolveEndpoint derives the upstream OAuth endpoints from the application's
// instance type. Cloud instances are asked for their OIDC discovery document
// first; datacenter instances use the fixed REST paths.
func (m *Manager) resolveEndpoint(ctx context.Context, app *Application) (oauth2.Endpoint, error) {
	base := strings.TrimRight(app.BaseURL, "/")

	if app.InstanceType == InstanceCloud {
		provider, err := oidc.NewProvider(m.clientContext(ctx), base)
		if err == nil {
			return provider.Endpoint(), nil
		}
		log.Debug().Str("baseUrl", base).Err(err).Msg("OIDC discovery unavailable, using fixed cloud endpoints")
		return oauth2.Endpoint{
			AuthURL:  base + cloudAuthPath,
			TokenURL: base + cloudTokenPath,
		}, nil
	}

	return oauth2.Endpoint{
		AuthURL:  base + datacenterAuthPath,
		TokenURL: base + datacenterToken,
	}, nil
}

// clientContext injects the manager's HTTP client so x/oauth2 and go-oidc honor
// the configured timeout.
func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) tokenPairFrom(upstream *oauth2.Token, app *Application) *TokenPair {
	pair := &TokenPair{AccessToken: m.accessTokenFrom(upstream, app)}
	if upstream.RefreshToken != "" {
		now := m.nowFunc()
		pair.RefreshToken = &tokenstore.RefreshToken{
			Token:         upstream.RefreshToken,
			ApplicationID: app.ID,
			ExpiresAt:     now.Add(defaultRefreshTTL),
			CreatedAt:     now,
		}
	}
	return pair
}

func (m *Manager) accessTokenFrom(upstream *oauth2.Token, app *Application) *tokenstore.AccessToken {
	expiresAt := upstream.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.nowFunc().Add(defaultAccessTTL)
	}
	tokenType := upstream.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &tokenstore.AccessToken{
		Token:     upstream.AccessToken,
		TokenType: tokenType,
		ExpiresAt: expiresAt,
		Scope:     append([]string(nil), app.Scopes...),
		CreatedAt: m.nowFunc(),
		IsValid:   true,
	}
}

// mapUpstreamError classifies transport failures and upstream OAuth error responses
// into the core's error taxonomy.
func mapUpstreamError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		switch retrieve.ErrorCode {
		case "invalid_grant":
			return autherrors.ErrInvalidGrant
		case "invalid_client":
			return autherrors.ErrInvalidClient
		case "invalid_scope":
			return autherrors.ErrInvalidScope
		case "unauthorized_client":
			return autherrors.ErrUnauthorizedClient
		case "unsupported_grant_type":
			return autherrors.ErrUnsupportedGrantType
		default:
			return autherrors.ErrInvalidRequest
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return autherrors.ErrTimeout
	}
	return autherrors.ErrNetwork
}
