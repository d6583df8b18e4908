package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoadFunc reports the current system load for adaptive rules. Values are
// interpreted on the same scale as Rule.LoadThreshold.
type LoadFunc func() float64

// Limiter performs admission control for authentication operations. All state is
// keyed by (ruleID, identifier) behind a single mutex; sticky blocks are tracked
// separately so they outlive algorithm state.
type Limiter struct {
	mu      sync.Mutex
	rules   []Rule
	states  map[stateKey]*entryState
	blocks  map[stateKey]time.Time
	stats   Stats
	load    LoadFunc
	nowFunc func() time.Time
}

type stateKey struct {
	ruleID     string
	identifier string
}

// entryState carries algorithm-specific counters for one (rule, identifier) pair.
type entryState struct {
	bucket      *rate.Limiter // token bucket
	timestamps  []time.Time   // sliding window / adaptive
	windowStart time.Time     // fixed window
	count       int           // fixed window
	lastSeen    time.Time
}

type LimiterOption func(*Limiter)

// WithLoadFunc supplies the load signal consumed by adaptive rules.
func WithLoadFunc(load LoadFunc) LimiterOption {
	return func(l *Limiter) {
		l.load = load
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.nowFunc = now
	}
}

// NewLimiter creates a limiter over a fixed rule set.
func NewLimiter(rules []Rule, options ...LimiterOption) *Limiter {
	l := &Limiter{
		rules:   rules,
		states:  make(map[stateKey]*entryState),
		blocks:  make(map[stateKey]time.Time),
		load:    func() float64 { return 0 },
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// CheckRateLimit evaluates every rule applicable to the identifier within the given
// scope and returns the most restrictive outcome: an existing block or blacklist hit
// beats everything, otherwise the lowest remaining count wins. A denial under a rule
// with a block duration starts a sticky block that is not re-evaluated until it ends.
func (l *Limiter) CheckRateLimit(identifier, scope string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	l.stats.Checked++

	worst := Result{Allowed: true, Remaining: -1}
	matched := false

	// List checks first: blacklist beats whitelist, whitelist bypasses every algorithm.
	for i := range l.rules {
		rule := &l.rules[i]
		if !rule.AppliesTo(scope) {
			continue
		}
		if contains(rule.Blacklist, identifier) {
			l.stats.Blocked++
			return Result{Allowed: false, Blocked: true, RuleID: rule.ID, ResetTime: now.Add(rule.BlockDuration), RetryAt: now.Add(rule.BlockDuration)}
		}
	}
	for i := range l.rules {
		rule := &l.rules[i]
		if rule.AppliesTo(scope) && contains(rule.Whitelist, identifier) {
			l.stats.Allowed++
			return Result{Allowed: true, Remaining: -1, RuleID: rule.ID}
		}
	}

	for i := range l.rules {
		rule := &l.rules[i]
		if !rule.AppliesTo(scope) {
			continue
		}
		matched = true

		key := stateKey{ruleID: rule.ID, identifier: identifier}

		// Sticky block check comes first: algorithm state is irrelevant while blocked.
		if until, ok := l.blocks[key]; ok {
			if now.Before(until) {
				l.stats.Blocked++
				return Result{Allowed: false, Blocked: true, RuleID: rule.ID, ResetTime: until, RetryAt: until}
			}
			delete(l.blocks, key)
		}

		res := l.evaluateRule(rule, key, now)
		if !res.Allowed {
			if rule.BlockDuration > 0 {
				until := now.Add(rule.BlockDuration)
				l.blocks[key] = until
				res.Blocked = true
				res.RetryAt = until
			}
			l.stats.Denied++
			return res
		}
		if worst.Remaining < 0 || res.Remaining < worst.Remaining {
			worst = res
		}
	}

	if !matched {
		worst = Result{Allowed: true, Remaining: -1}
	}
	l.stats.Allowed++
	return worst
}

func (l *Limiter) evaluateRule(rule *Rule, key stateKey, now time.Time) Result {
	state, ok := l.states[key]
	if !ok {
		state = &entryState{}
		l.states[key] = state
	}
	state.lastSeen = now

	switch rule.Algorithm {
	case TokenBucket:
		return l.checkTokenBucket(rule, state, now)
	case FixedWindow:
		return l.checkFixedWindow(rule, state, now)
	case Adaptive:
		return l.checkSlidingWindow(rule, state, now, l.effectiveMax(rule))
	case SlidingWindow:
		fallthrough
	default:
		return l.checkSlidingWindow(rule, state, now, rule.MaxRequests)
	}
}

func (l *Limiter) checkTokenBucket(rule *Rule, state *entryState, now time.Time) Result {
	if state.bucket == nil {
		refill := rate.Limit(float64(rule.MaxRequests) / rule.Window.Seconds())
		state.bucket = rate.NewLimiter(refill, rule.MaxRequests)
	}
	allowed := state.bucket.AllowN(now, 1)
	remaining := int(state.bucket.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetTime: now.Add(rule.Window),
		RuleID:    rule.ID,
	}
}

func (l *Limiter) checkFixedWindow(rule *Rule, state *entryState, now time.Time) Result {
	if state.windowStart.IsZero() || now.Sub(state.windowStart) >= rule.Window {
		state.windowStart = now
		state.count = 0
	}
	reset := state.windowStart.Add(rule.Window)
	if state.count >= rule.MaxRequests {
		return Result{Allowed: false, Remaining: 0, ResetTime: reset, RuleID: rule.ID}
	}
	state.count++
	return Result{
		Allowed:   true,
		Remaining: rule.MaxRequests - state.count,
		ResetTime: reset,
		RuleID:    rule.ID,
	}
}

func (l *Limiter) checkSlidingWindow(rule *Rule, state *entryState, now time.Time, maxRequests int) Result {
	cutoff := now.Add(-rule.Window)
	kept := state.timestamps[:0]
	for _, ts := range state.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	state.timestamps = kept

	reset := now.Add(rule.Window)
	if len(state.timestamps) > 0 {
		reset = state.timestamps[0].Add(rule.Window)
	}
	if len(state.timestamps) >= maxRequests {
		return Result{Allowed: false, Remaining: 0, ResetTime: reset, RuleID: rule.ID}
	}
	state.timestamps = append(state.timestamps, now)
	return Result{
		Allowed:   true,
		Remaining: maxRequests - len(state.timestamps),
		ResetTime: reset,
		RuleID:    rule.ID,
	}
}

// effectiveMax shrinks an adaptive rule's budget proportionally once observed load
// exceeds the threshold, never below one request.
func (l *Limiter) effectiveMax(rule *Rule) int {
	observed := l.load()
	if rule.LoadThreshold <= 0 || observed <= rule.LoadThreshold {
		return rule.MaxRequests
	}
	scaled := int(float64(rule.MaxRequests) * rule.LoadThreshold / observed)
	if scaled < 1 {
		return 1
	}
	return scaled
}

// Reset clears all algorithm state and blocks held for an identifier.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.states {
		if key.identifier == identifier {
			delete(l.states, key)
		}
	}
	for key := range l.blocks {
		if key.identifier == identifier {
			delete(l.blocks, key)
		}
	}
}

// Stats returns a copy of the cumulative counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Prune drops expired blocks and state entries idle longer than maxIdle. Called from
// a background sweep so per-identifier state does not grow without bound.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	removed := 0
	for key, until := range l.blocks {
		if !now.Before(until) {
			delete(l.blocks, key)
			removed++
		}
	}
	for key, state := range l.states {
		if now.Sub(state.lastSeen) > maxIdle {
			delete(l.states, key)
			removed++
		}
	}
	return removed
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
