// Package server is the thin HTTP glue over the authentication core. Handlers
// translate JSON requests into core operations and core errors into status codes;
// no authentication logic lives here.
package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/forgegate/forgegate/gateway"
	"github.com/forgegate/forgegate/internal/config"
	"github.com/forgegate/forgegate/oauth"
	"github.com/forgegate/forgegate/sessions"
	"github.com/forgegate/forgegate/tokenstore"
)

type Server struct {
	env    string // Environment (e.g., "DEV", "production")
	mux    *http.ServeMux
	routes []string

	config   config.Config
	registry *oauth.ApplicationRegistry
	oauth    *oauth.Manager
	sessions *sessions.Manager
	tokens   *tokenstore.Store
	gateway  *gateway.Gateway
	identity IdentityResolver
}

func New(
	cfg config.Config,
	registry *oauth.ApplicationRegistry,
	oauthManager *oauth.Manager,
	sessionManager *sessions.Manager,
	tokens *tokenstore.Store,
	gw *gateway.Gateway,
	identity IdentityResolver,
) (*Server, error) {
	if registry == nil || oauthManager == nil || sessionManager == nil || tokens == nil || gw == nil || identity == nil {
		return nil, fmt.Errorf("[Server New] all collaborators are required")
	}

	s := &Server{
		mux:      http.NewServeMux(),
		config:   cfg,
		registry: registry,
		oauth:    oauthManager,
		sessions: sessionManager,
		tokens:   tokens,
		gateway:  gw,
		identity: identity,
	}
	s.env = cfg.GetEnv()

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			log.Debug().Str("method", parts[0]).Str("path", parts[1]).Msg("route")
		} else {
			log.Debug().Str("path", parts[0]).Msg("route")
		}
	}
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
