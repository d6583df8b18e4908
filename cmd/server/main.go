package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog/log"

	"github.com/forgegate/forgegate/crypto"
	"github.com/forgegate/forgegate/events"
	"github.com/forgegate/forgegate/gateway"
	"github.com/forgegate/forgegate/internal/config"
	"github.com/forgegate/forgegate/oauth"
	"github.com/forgegate/forgegate/ratelimit"
	"github.com/forgegate/forgegate/recovery"
	"github.com/forgegate/forgegate/server"
	"github.com/forgegate/forgegate/sessions"
	"github.com/forgegate/forgegate/tokenstore"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Error().Err(err).Msg("error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	handler, stop, err := buildServer(c)
	if err != nil {
		return fmt.Errorf("buildServer: %w", err)
	}
	defer stop()

	httpServer := &http.Server{Addr: c.GetPort(), Handler: handler}
	go listenAndServe(httpServer)
	waitForStopSignal()
	return shutdown(httpServer)
}

// buildServer wires the authentication core and returns the HTTP handler plus a
// stop function for the background sweeps.
func buildServer(c config.Config) (http.Handler, func(), error) {
	bus := events.NewBus()
	subscribeAuditLog(bus)

	cryptoOptions := []crypto.ServiceOption{
		crypto.WithKDF(c.GetKDF()),
		crypto.WithPBKDF2Iterations(c.GetPBKDF2Iterations()),
	}
	if c.GetForwardSecrecy() {
		cryptoOptions = append(cryptoOptions, crypto.WithForwardSecrecy(c.GetMaxKeyAge()))
	}
	cryptoService, err := crypto.NewService(cryptoOptions...)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto.NewService: %w", err)
	}

	tokens := tokenstore.NewStore(tokenstore.WithEncryption(cryptoService))
	registry := oauth.NewApplicationRegistry()

	oauthManager, err := oauth.NewManager(registry, tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("oauth.NewManager: %w", err)
	}

	sessionManager, err := sessions.NewManager(c, bus)
	if err != nil {
		return nil, nil, fmt.Errorf("sessions.NewManager: %w", err)
	}

	mirror, err := newSessionMirror(sessionManager, cryptoService, bus)
	if err != nil {
		return nil, nil, fmt.Errorf("newSessionMirror: %w", err)
	}

	coordinator, err := recovery.NewCoordinator(c, oauthManager, sessionManager, bus)
	if err != nil {
		return nil, nil, fmt.Errorf("recovery.NewCoordinator: %w", err)
	}

	limiter := ratelimit.NewLimiter(defaultRateLimitRules(c))

	gw, err := gateway.NewGateway(limiter, sessionManager, tokens, oauthManager, coordinator, signingKey(c))
	if err != nil {
		return nil, nil, fmt.Errorf("gateway.NewGateway: %w", err)
	}

	srv, err := server.New(c, registry, oauthManager, sessionManager, tokens, gw, server.NewHTTPIdentityResolver())
	if err != nil {
		return nil, nil, fmt.Errorf("server.New: %w", err)
	}

	stopCleanup := sessionManager.StartCleanup()
	stopStateSweep := oauthManager.StartStateSweep()
	stopMaintenance := startMaintenance(c, cryptoService, tokens, limiter)
	stop := func() {
		stopCleanup()
		stopStateSweep()
		stopMaintenance()
		mirror.backup()
	}
	return srv, stop, nil
}

// defaultRateLimitRules admits authentication traffic generously per client while
// capping bursts. An empty set disables limiting entirely.
func defaultRateLimitRules(c config.Config) []ratelimit.Rule {
	if !c.GetRateLimitEnabled() {
		return nil
	}
	return []ratelimit.Rule{
		{
			ID:          "auth-per-client",
			Algorithm:   ratelimit.TokenBucket,
			Scope:       "auth",
			MaxRequests: 60,
			Window:      time.Minute,
		},
		{
			ID:            "auth-burst",
			Algorithm:     ratelimit.SlidingWindow,
			Scope:         "auth",
			MaxRequests:   10,
			Window:        time.Second,
			BlockDuration: 30 * time.Second,
		},
	}
}

// signingKey reads the configured session token key or generates an ephemeral one.
// With an ephemeral key every session dies on restart.
func signingKey(c config.Config) []byte {
	if key := c.GetSigningKey(); key != "" {
		return []byte(key)
	}
	key, err := crypto.GenerateSecureToken(64)
	if err != nil {
		log.Fatal().Err(err).Msg("could not generate signing key")
	}
	log.Warn().Msg("AUTH_SIGNING_KEY not set; using an ephemeral key, sessions will not survive restarts")
	return []byte(key)
}

// subscribeAuditLog is the audit collaborator: every lifecycle event the core
// publishes lands in the structured log.
func subscribeAuditLog(bus *events.Bus) {
	bus.Subscribe(events.TopicAll, func(e events.Event) {
		log.Info().
			Str("topic", e.Topic).
			Str("sessionId", e.SessionID).
			Str("userId", e.UserID).
			Fields(e.Fields).
			Msg("audit")
	})
}

// startMaintenance runs the slow periodic chores: key rotation, expired token
// cleanup, and rate-limiter state pruning.
func startMaintenance(c config.Config, cryptoService *crypto.Service, tokens *tokenstore.Store, limiter *ratelimit.Limiter) func() {
	done := make(chan struct{})
	go func() {
		rotate := time.NewTicker(c.GetKeyRotationInterval())
		sweep := time.NewTicker(c.GetRateLimitSweepInterval())
		defer rotate.Stop()
		defer sweep.Stop()
		for {
			select {
			case <-rotate.C:
				if err := cryptoService.RotateKey(); err != nil {
					log.Error().Err(err).Msg("key rotation failed")
				}
			case <-sweep.C:
				if removed := tokens.CleanupExpired(); removed > 0 {
					log.Debug().Int("removed", removed).Msg("swept expired tokens")
				}
				if pruned := limiter.Prune(c.GetRateLimitSweepInterval()); pruned > 0 {
					log.Debug().Int("pruned", pruned).Msg("pruned idle rate-limit state")
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func listenAndServe(httpServer *http.Server) {
	log.Info().Str("addr", httpServer.Addr).Msg("server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server.ListenAndServe")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
