package oauth

import (
	"sync"
	"time"

	autherrors "github.com/forgegate/forgegate/internal/errors"
)

const (
	stateTTL           = 10 * time.Minute
	stateSweepInterval = 5 * time.Minute
)

// AuthorizationState is the transient CSRF record tied to one issued authorization
// URL. It is consumed exactly once on callback or swept after its TTL; it never
// leaves process memory.
type AuthorizationState struct {
	State         string
	ApplicationID string
	RedirectURI   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// stateStore holds pending authorization states. Single use: Consume removes the
// entry whether or not the subsequent exchange succeeds.
type stateStore struct {
	mu      sync.Mutex
	states  map[string]*AuthorizationState
	nowFunc func() time.Time
}

func newStateStore(nowFunc func() time.Time) *stateStore {
	return &stateStore{
		states:  make(map[string]*AuthorizationState),
		nowFunc: nowFunc,
	}
}

func (s *stateStore) Put(state *AuthorizationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.State] = state
}

// Consume removes and returns the state entry. Unknown or expired states report a
// state mismatch; the entry is gone either way.
func (s *stateStore) Consume(state string) (*AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[state]
	if !ok {
		return nil, autherrors.ErrStateMismatch
	}
	delete(s.states, state)

	if s.nowFunc().After(entry.ExpiresAt) {
		return nil, autherrors.ErrStateMismatch
	}
	return entry, nil
}

// Sweep deletes entries past their expiry, bounding memory growth from abandoned
// authorization attempts.
func (s *stateStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	removed := 0
	for state, entry := range s.states {
		if now.After(entry.ExpiresAt) {
			delete(s.states, state)
			removed++
		}
	}
	return removed
}

func (s *stateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
