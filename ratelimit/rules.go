package ratelimit

import "time"

// Algorithm selects how a rule counts requests.
type Algorithm string

const (
	TokenBucket   Algorithm = "token-bucket"
	SlidingWindow Algorithm = "sliding-window"
	FixedWindow   Algorithm = "fixed-window"
	Adaptive      Algorithm = "adaptive"
)

// Rule describes one admission-control policy. Multiple rules may apply to a single
// request; the most restrictive outcome wins.
type Rule struct {
	ID            string
	Algorithm     Algorithm
	Scope         string // request scope the rule applies to; "" or "*" matches everything
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration // sticky block applied after a denial; 0 disables blocking
	LoadThreshold float64       // adaptive only: load level where shrinking starts
	Whitelist     []string
	Blacklist     []string
}

// AppliesTo reports whether the rule covers requests in the given scope.
func (r Rule) AppliesTo(scope string) bool {
	return r.Scope == "" || r.Scope == "*" || r.Scope == scope
}

// Result is the outcome of a rate-limit check against one or more rules.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	RuleID    string
	Blocked   bool      // identifier is under a sticky block or blacklisted
	RetryAt   time.Time // when a blocked identifier may try again
}

// Stats are cumulative counters over the limiter's lifetime.
type Stats struct {
	Checked int64
	Allowed int64
	Denied  int64
	Blocked int64
}
