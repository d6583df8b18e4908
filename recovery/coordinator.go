// Package recovery classifies authentication failures and drives the configured
// recovery strategy: retry with backoff, refresh-token-and-retry, reauthenticate,
// fallback, or immediate failure.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"github.com/forgegate/forgegate/events"
	"github.com/forgegate/forgegate/internal/config"
	autherrors "github.com/forgegate/forgegate/internal/errors"
	"github.com/forgegate/forgegate/tokenstore"
)

// ErrReauthenticationRequired is surfaced when no automatic strategy can restore
// the caller's authentication; the caller must run the authorization flow again.
var ErrReauthenticationRequired = autherrors.ErrReauthenticationRequired

// Strategy is the recovery path chosen for a classified failure.
type Strategy string

const (
	StrategyRetry          Strategy = "retry"
	StrategyRefresh        Strategy = "refresh"
	StrategyReauthenticate Strategy = "reauthenticate"
	StrategyFallback       Strategy = "fallback"
	StrategyFail           Strategy = "fail"
)

// TokenRefresher is the OAuth manager surface the coordinator drives for the
// refresh strategy.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshTokenID, applicationID string) (*tokenstore.AccessToken, error)
}

// SessionRemover is the session manager surface used when reauthentication is the
// only way out: the dead session is removed so the caller starts clean.
type SessionRemover interface {
	RemoveSession(sessionID string) error
}

// FallbackAuthenticator is an optional alternate authentication path (device code,
// PAT exchange). Only consulted when fallback auth is enabled by configuration.
type FallbackAuthenticator interface {
	AuthenticateFallback(ctx context.Context) error
}

// Operation is the failed unit of work a strategy may re-execute.
type Operation func(ctx context.Context) error

// Failure describes one authentication failure handed to the coordinator.
type Failure struct {
	Err            error
	SessionID      string
	RefreshTokenID string
	ApplicationID  string
	Operation      Operation
}

// Outcome reports what the coordinator did.
type Outcome struct {
	Strategy  Strategy
	Attempts  int
	Recovered bool
}

type strategyCounters struct {
	Successes int
	Failures  int
}

// Stats is a per-strategy success/failure snapshot.
type Stats map[Strategy]strategyCounters

// Coordinator classifies failures and executes recovery strategies, keeping
// per-strategy counters for observability.
type Coordinator struct {
	refresher TokenRefresher
	sessions  SessionRemover
	fallback  FallbackAuthenticator
	bus       *events.Bus

	maxRetries         int
	baseDelay          time.Duration
	maxDelay           time.Duration
	enableTokenRefresh bool
	enableFallbackAuth bool

	mu       sync.Mutex
	counters map[Strategy]*strategyCounters
}

type CoordinatorOption func(*Coordinator)

// WithFallbackAuthenticator wires the optional fallback path.
func WithFallbackAuthenticator(fallback FallbackAuthenticator) CoordinatorOption {
	return func(c *Coordinator) {
		c.fallback = fallback
	}
}

// NewCoordinator creates a recovery coordinator. The refresher and session
// collaborators are required: both the refresh and reauthenticate strategies act
// through them rather than stubbing out.
func NewCoordinator(cfg config.RecoveryConfig, refresher TokenRefresher, sessions SessionRemover, bus *events.Bus, options ...CoordinatorOption) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("[NewCoordinator] recovery config is required")
	}
	if refresher == nil || sessions == nil {
		return nil, errors.New("[NewCoordinator] refresher and session collaborators are required")
	}
	if bus == nil {
		return nil, errors.New("[NewCoordinator] event bus is required")
	}
	c := &Coordinator{
		refresher:          refresher,
		sessions:           sessions,
		bus:                bus,
		maxRetries:         cfg.GetMaxRetries(),
		baseDelay:          cfg.GetBaseDelay(),
		maxDelay:           cfg.GetMaxDelay(),
		enableTokenRefresh: cfg.GetEnableTokenRefresh(),
		enableFallbackAuth: cfg.GetEnableFallbackAuth(),
		counters:           make(map[Strategy]*strategyCounters),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Classify maps an error to the strategy the coordinator will execute for it.
// Security-class errors always fail immediately.
func (c *Coordinator) Classify(err error) Strategy {
	switch {
	case autherrors.IsSecurity(err):
		return StrategyFail
	case autherrors.IsTransient(err):
		return StrategyRetry
	case errors.Is(err, autherrors.ErrTokenExpired):
		if c.enableTokenRefresh {
			return StrategyRefresh
		}
		return StrategyReauthenticate
	case errors.Is(err, autherrors.ErrTokenInvalid),
		errors.Is(err, autherrors.ErrTokenRevoked),
		errors.Is(err, autherrors.ErrTokenMissing),
		errors.Is(err, autherrors.ErrSessionExpired),
		errors.Is(err, autherrors.ErrSessionInvalid),
		errors.Is(err, autherrors.ErrSessionNotFound),
		errors.Is(err, autherrors.ErrInvalidGrant):
		return StrategyReauthenticate
	case errors.Is(err, autherrors.ErrRateLimited):
		return StrategyFail
	default:
		if c.enableFallbackAuth && c.fallback != nil {
			return StrategyFallback
		}
		return StrategyRetry
	}
}

// Recover executes the strategy chosen for the failure. A nil returned error means
// the original operation eventually succeeded (or fallback authentication did); a
// non-nil error is what the caller should surface.
func (c *Coordinator) Recover(ctx context.Context, failure Failure) (*Outcome, error) {
	strategy := c.Classify(failure.Err)
	outcome := &Outcome{Strategy: strategy}

	c.publish(events.TopicRecoveryAttempt, failure, strategy, nil)

	var err error
	switch strategy {
	case StrategyRetry:
		err = c.retry(ctx, failure, outcome)
	case StrategyRefresh:
		err = c.refreshAndRetry(ctx, failure, outcome)
	case StrategyReauthenticate:
		err = c.reauthenticate(failure)
	case StrategyFallback:
		err = c.runFallback(ctx, failure, outcome)
	default:
		err = autherrors.From(failure.Err, "authentication failed")
	}

	outcome.Recovered = err == nil
	c.record(strategy, err == nil)
	if err == nil {
		c.publish(events.TopicRecoverySuccess, failure, strategy, nil)
	} else {
		c.publish(events.TopicRecoveryFailure, failure, strategy, err)
	}
	return outcome, err
}

// Stats returns a snapshot of per-strategy counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(Stats, len(c.counters))
	for strategy, counters := range c.counters {
		out[strategy] = *counters
	}
	return out
}

// retry re-executes the failed operation under exponential backoff. Transient
// errors get the configured retry budget; anything else gets a single retry.
func (c *Coordinator) retry(ctx context.Context, failure Failure, outcome *Outcome) error {
	if failure.Operation == nil {
		return autherrors.From(failure.Err, "no operation to retry")
	}

	tries := 2 // original failure already happened; one retry by default
	if autherrors.IsTransient(failure.Err) {
		tries = c.maxRetries
	}
	if tries < 1 {
		tries = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.baseDelay
	expo.MaxInterval = c.maxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		outcome.Attempts++
		if err := failure.Operation(ctx); err != nil {
			if autherrors.IsSecurity(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(tries)))
	if err != nil {
		return autherrors.From(err, "retries exhausted")
	}
	return nil
}

// refreshAndRetry refreshes the access token through the OAuth manager and, when
// that works, re-executes the original operation once. A failed refresh surfaces
// the reauthentication-required signal.
func (c *Coordinator) refreshAndRetry(ctx context.Context, failure Failure, outcome *Outcome) error {
	if failure.RefreshTokenID == "" {
		return c.reauthenticate(failure)
	}
	outcome.Attempts++
	if _, err := c.refresher.RefreshAccessToken(ctx, failure.RefreshTokenID, failure.ApplicationID); err != nil {
		// The refresh token is dead; full reauthentication is the only way out.
		return c.reauthenticate(failure)
	}
	if failure.Operation == nil {
		return nil
	}
	outcome.Attempts++
	if err := failure.Operation(ctx); err != nil {
		return autherrors.From(err, "operation failed after token refresh")
	}
	return nil
}

// reauthenticate removes the dead session so the caller starts from a clean slate.
// It always returns a non-nil error: the removal failure when the session could not
// be cleared, otherwise the reauthentication-required signal.
func (c *Coordinator) reauthenticate(failure Failure) error {
	if failure.SessionID != "" {
		if err := c.sessions.RemoveSession(failure.SessionID); err != nil && !errors.Is(err, autherrors.ErrSessionNotFound) {
			return autherrors.From(err, "failed to remove session for reauthentication")
		}
	}
	return errors.Wrap(ErrReauthenticationRequired, "[Recover] session cannot be restored")
}

func (c *Coordinator) runFallback(ctx context.Context, failure Failure, outcome *Outcome) error {
	outcome.Attempts++
	if err := c.fallback.AuthenticateFallback(ctx); err != nil {
		return autherrors.From(err, "fallback authentication failed")
	}
	return nil
}

func (c *Coordinator) record(strategy Strategy, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters, ok := c.counters[strategy]
	if !ok {
		counters = &strategyCounters{}
		c.counters[strategy] = counters
	}
	if success {
		counters.Successes++
	} else {
		counters.Failures++
	}
}

func (c *Coordinator) publish(topic string, failure Failure, strategy Strategy, err error) {
	fields := map[string]any{"strategy": string(strategy)}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.bus.Publish(events.Event{
		Topic:     topic,
		SessionID: failure.SessionID,
		Fields:    fields,
	})
}
