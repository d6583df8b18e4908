package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	RouteHealth = "/healthz"

	// Application registry
	RouteApplications       = "/api/applications"
	RouteApplicationsUpdate = "/api/applications/{id}"

	// Authentication flow
	RouteAuthorize = "/api/auth/authorize"
	RouteCallback  = "/callback"
	RouteExchange  = "/api/auth/exchange"
	RouteValidate  = "/api/auth/validate"
	RouteLogout    = "/api/auth/logout"

	// Observability
	RouteStats = "/api/stats"
)

func (s *Server) initRoutes() {
	api := s.APIMiddleware()

	s.RegisterRouteHandler("GET "+RouteHealth, ChainMiddleware(s.HealthHandler(), api...))

	s.RegisterRouteHandler("POST "+RouteApplications, ChainMiddleware(s.RegisterApplicationHandler(), api...))
	s.RegisterRouteHandler("GET "+RouteApplications, ChainMiddleware(s.ListApplicationsHandler(), api...))
	s.RegisterRouteHandler("PATCH "+RouteApplicationsUpdate, ChainMiddleware(s.UpdateApplicationHandler(), api...))

	s.RegisterRouteHandler("POST "+RouteAuthorize, ChainMiddleware(s.AuthorizeHandler(), api...))
	s.RegisterRouteHandler("GET "+RouteCallback, ChainMiddleware(s.CallbackHandler(), api...))
	s.RegisterRouteHandler("POST "+RouteExchange, ChainMiddleware(s.ExchangeHandler(), api...))
	s.RegisterRouteHandler("POST "+RouteValidate, ChainMiddleware(s.ValidateHandler(), api...))
	s.RegisterRouteHandler("POST "+RouteLogout, ChainMiddleware(s.LogoutHandler(), api...))

	s.RegisterRouteHandler("GET "+RouteStats, ChainMiddleware(s.StatsHandler(), api...))
}
