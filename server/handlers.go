package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/forgegate/forgegate/gateway"
	autherrors "github.com/forgegate/forgegate/internal/errors"
	"github.com/forgegate/forgegate/oauth"
	"github.com/forgegate/forgegate/sessions"
)

// applicationView is the JSON shape of a registered application. The client
// secret is only included in the registration response.
type applicationView struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	RedirectURI  string   `json:"redirectUri"`
	InstanceType string   `json:"instanceType"`
	BaseURL      string   `json:"baseUrl"`
	Scopes       []string `json:"scopes"`
	IsActive     bool     `json:"isActive"`
}

func applicationViewFrom(app *oauth.Application, includeSecret bool) applicationView {
	view := applicationView{
		ID:           app.ID,
		Name:         app.Name,
		ClientID:     app.ClientID,
		RedirectURI:  app.RedirectURI,
		InstanceType: string(app.InstanceType),
		BaseURL:      app.BaseURL,
		Scopes:       app.Scopes,
		IsActive:     app.IsActive,
	}
	if includeSecret {
		view.ClientSecret = app.ClientSecret
	}
	return view
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "app": s.config.GetAppName()})
	}
}

func (s *Server) RegisterApplicationHandler() http.HandlerFunc {
	type request struct {
		Name         string   `json:"name"`
		RedirectURI  string   `json:"redirectUri"`
		BaseURL      string   `json:"baseUrl"`
		InstanceType string   `json:"instanceType"`
		Scopes       []string `json:"scopes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, autherrors.New(autherrors.CodeInvalidRequest, "malformed request body", autherrors.ErrInvalidRequest, false))
			return
		}
		app, err := s.registry.Register(req.Name, req.RedirectURI, req.BaseURL, oauth.InstanceType(req.InstanceType), req.Scopes)
		if err != nil {
			writeError(w, autherrors.From(err, "application registration failed"))
			return
		}
		writeJSON(w, http.StatusCreated, applicationViewFrom(app, true))
	}
}

func (s *Server) ListApplicationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apps := s.registry.List()
		views := make([]applicationView, 0, len(apps))
		for _, app := range apps {
			views = append(views, applicationViewFrom(app, false))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func (s *Server) UpdateApplicationHandler() http.HandlerFunc {
	type request struct {
		Name        *string  `json:"name"`
		RedirectURI *string  `json:"redirectUri"`
		Scopes      []string `json:"scopes"`
		IsActive    *bool    `json:"isActive"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, autherrors.New(autherrors.CodeInvalidRequest, "malformed request body", autherrors.ErrInvalidRequest, false))
			return
		}
		app, err := s.registry.Update(r.PathValue("id"), oauth.ApplicationUpdate{
			Name:        req.Name,
			RedirectURI: req.RedirectURI,
			Scopes:      req.Scopes,
			IsActive:    req.IsActive,
		})
		if err != nil {
			writeError(w, autherrors.From(err, "application update failed"))
			return
		}
		writeJSON(w, http.StatusOK, applicationViewFrom(app, false))
	}
}

func (s *Server) AuthorizeHandler() http.HandlerFunc {
	type request struct {
		ApplicationID string            `json:"applicationId"`
		State         string            `json:"state"`
		ExtraParams   map[string]string `json:"extraParams"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, autherrors.New(autherrors.CodeInvalidRequest, "malformed request body", autherrors.ErrInvalidRequest, false))
			return
		}
		result, err := s.oauth.GenerateAuthorizationURL(r.Context(), req.ApplicationID, req.State, req.ExtraParams)
		if err != nil {
			writeError(w, autherrors.From(err, "could not build authorization URL"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"url":       result.URL,
			"state":     result.State,
			"expiresAt": result.ExpiresAt,
		})
	}
}

// CallbackHandler completes the browser leg of the flow: the upstream redirects
// here with code and state, and the registered redirect URI is used for the
// exchange so the anti-fixation check compares like for like.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if upstreamErr := query.Get("error"); upstreamErr != "" {
			writeError(w, autherrors.New(autherrors.CodeInvalidGrant, "authorization denied upstream", autherrors.ErrInvalidGrant, false))
			return
		}
		applicationID := query.Get("applicationId")
		app, err := s.registry.Get(applicationID)
		if err != nil {
			writeError(w, autherrors.From(err, "unknown application"))
			return
		}
		s.completeExchange(w, r, query.Get("state"), query.Get("code"), app.RedirectURI, applicationID)
	}
}

func (s *Server) ExchangeHandler() http.HandlerFunc {
	type request struct {
		State         string `json:"state"`
		Code          string `json:"code"`
		RedirectURI   string `json:"redirectUri"`
		ApplicationID string `json:"applicationId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, autherrors.New(autherrors.CodeInvalidRequest, "malformed request body", autherrors.ErrInvalidRequest, false))
			return
		}
		s.completeExchange(w, r, req.State, req.Code, req.RedirectURI, req.ApplicationID)
	}
}

// completeExchange turns an authorization code into a session: tokens are
// exchanged, bound to the upstream identity, persisted, and a signed session
// token is minted for the client.
func (s *Server) completeExchange(w http.ResponseWriter, r *http.Request, state, code, redirectURI, applicationID string) {
	ctx := r.Context()

	pair, err := s.oauth.ExchangeCodeForTokens(ctx, state, code, redirectURI, applicationID)
	if err != nil {
		writeError(w, autherrors.From(err, "code exchange failed"))
		return
	}

	app, err := s.registry.Get(applicationID)
	if err != nil {
		writeError(w, autherrors.From(err, "unknown application"))
		return
	}
	identity, err := s.identity.ResolveIdentity(ctx, app, pair.AccessToken.Token)
	if err != nil {
		writeError(w, autherrors.New(autherrors.CodeNetwork, "could not resolve upstream identity", err, true))
		return
	}

	// The upstream may grant an access token without a refresh token; the
	// session then lives until the access token expires.
	var refreshTokenID string
	if pair.RefreshToken != nil {
		pair.RefreshToken.UserID = identity.UserID
		refreshToken, err := s.tokens.StoreRefreshToken(pair.RefreshToken)
		if err != nil {
			writeError(w, autherrors.From(err, "failed to persist refresh token"))
			return
		}
		refreshTokenID = refreshToken.ID
		pair.AccessToken.RefreshTokenID = refreshToken.ID
	}
	accessToken, err := s.tokens.StoreAccessToken(pair.AccessToken, identity.UserID)
	if err != nil {
		writeError(w, autherrors.From(err, "failed to persist access token"))
		return
	}

	session, err := s.sessions.CreateSession(identity.UserID, identity.UserName, sessions.CreateParams{
		UserEmail:      identity.UserEmail,
		Permissions:    app.Scopes,
		AccessTokenID:  accessToken.ID,
		RefreshTokenID: refreshTokenID,
	})
	if err != nil {
		writeError(w, autherrors.From(err, "failed to create session"))
		return
	}
	sessionToken, err := s.gateway.IssueSessionToken(session)
	if err != nil {
		writeError(w, autherrors.From(err, "failed to issue session token"))
		return
	}

	log.Info().Str("userId", identity.UserID).Str("applicationId", applicationID).Msg("session established")
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken": sessionToken,
		"session":      session,
	})
}

func (s *Server) ValidateHandler() http.HandlerFunc {
	type request struct {
		SessionToken string `json:"sessionToken"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, autherrors.New(autherrors.CodeInvalidRequest, "malformed request body", autherrors.ErrInvalidRequest, false))
			return
		}
		session, err := s.gateway.AuthenticateRequest(r.Context(), gatewayCredentials(req.SessionToken, r))
		if err != nil {
			writeError(w, autherrors.From(err, "session validation failed"))
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	type request struct {
		SessionToken string `json:"sessionToken"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, autherrors.New(autherrors.CodeInvalidRequest, "malformed request body", autherrors.ErrInvalidRequest, false))
			return
		}
		session, err := s.gateway.AuthenticateRequest(r.Context(), gatewayCredentials(req.SessionToken, r))
		if err != nil {
			writeError(w, autherrors.From(err, "logout rejected"))
			return
		}
		if session.RefreshTokenID != "" {
			if err := s.tokens.RevokeRefreshToken(session.RefreshTokenID); err != nil {
				log.Warn().Err(err).Str("sessionId", session.ID).Msg("could not revoke refresh token on logout")
			}
		}
		if err := s.sessions.RemoveSession(session.ID); err != nil {
			writeError(w, autherrors.From(err, "failed to remove session"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
	}
}

func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions":      s.sessions.Stats(),
			"tokens":        s.tokens.Stats(),
			"pendingStates": s.oauth.PendingStates(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps an AuthError to a status code. Internal detail stays in the
// log; the client sees the code, message, and recoverability flag only.
func writeError(w http.ResponseWriter, authErr *autherrors.AuthError) {
	status := statusForCode(authErr.Code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(authErr).Msg("request failed")
	}
	writeJSON(w, status, map[string]any{
		"error":       authErr.Code,
		"message":     authErr.Message,
		"recoverable": authErr.Recoverable,
		"timestamp":   authErr.Timestamp,
	})
}

func statusForCode(code string) int {
	switch code {
	case autherrors.CodeInvalidRequest, autherrors.CodeInvalidScope, autherrors.CodeUnsupportedGrantType:
		return http.StatusBadRequest
	case autherrors.CodeInvalidClient, autherrors.CodeInvalidGrant, autherrors.CodeTokenExpired,
		autherrors.CodeTokenInvalid, autherrors.CodeTokenRevoked, autherrors.CodeTokenMissing,
		autherrors.CodeSessionExpired, autherrors.CodeSessionInvalid, autherrors.CodeStateMismatch,
		autherrors.CodeInvalidRedirectURI, autherrors.CodeReauthenticationRequired:
		return http.StatusUnauthorized
	case autherrors.CodeUnauthorizedClient, autherrors.CodeApplicationInactive, autherrors.CodeSessionLocked:
		return http.StatusForbidden
	case autherrors.CodeSessionNotFound, autherrors.CodeApplicationNotFound:
		return http.StatusNotFound
	case autherrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case autherrors.CodeNetwork, autherrors.CodeTimeout, autherrors.CodeConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func gatewayCredentials(sessionToken string, r *http.Request) gateway.Credentials {
	return gateway.Credentials{SessionToken: sessionToken, Identifier: clientAddr(r)}
}

func clientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}
