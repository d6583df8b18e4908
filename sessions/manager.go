package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/forgegate/forgegate/events"
	"github.com/forgegate/forgegate/internal/config"
	autherrors "github.com/forgegate/forgegate/internal/errors"
)

// record is the manager's internal session state: the session itself plus its
// bounded activity log.
type record struct {
	session  UserSession
	activity []Activity
}

// Manager owns session lifecycle: creation under a per-user concurrency cap,
// validation with distinct activity and absolute timeouts, locking, conflict
// resolution and cleanup. A single mutex guards all tables so eviction decisions,
// lock acquisition and expiry always act on a consistent snapshot.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*record
	byUser   map[string]map[string]struct{}
	locks    map[string]*SessionLock // at most one outstanding lock per session
	queues   map[string][]string     // conflict admission queues, FIFO per key

	bus                *events.Bus
	defaultTimeout     time.Duration
	activityTimeout    time.Duration
	maxConcurrent      int
	lockTimeout        time.Duration
	cleanupInterval    time.Duration
	conflictResolution config.ConflictResolutionType
	nowFunc            func() time.Time
}

type ManagerOption func(*Manager)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithConflictResolution overrides the configured conflict strategy.
func WithConflictResolution(strategy config.ConflictResolutionType) ManagerOption {
	return func(m *Manager) {
		m.conflictResolution = strategy
	}
}

// NewManager creates a session manager. The event bus is required: lifecycle events
// are the audit collaborator's only view into this component.
func NewManager(cfg config.SessionConfig, bus *events.Bus, options ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("[NewManager] session config is required")
	}
	if bus == nil {
		return nil, errors.New("[NewManager] event bus is required")
	}
	m := &Manager{
		sessions:           make(map[string]*record),
		byUser:             make(map[string]map[string]struct{}),
		locks:              make(map[string]*SessionLock),
		queues:             make(map[string][]string),
		bus:                bus,
		defaultTimeout:     cfg.GetDefaultTimeout(),
		activityTimeout:    cfg.GetActivityTimeout(),
		maxConcurrent:      cfg.GetMaxConcurrentSessions(),
		lockTimeout:        cfg.GetLockTimeout(),
		cleanupInterval:    cfg.GetCleanupInterval(),
		conflictResolution: cfg.GetConflictResolution(),
		nowFunc:            time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// CreateSession creates an authenticated session for the user, evicting the
// least-recently-active session first when the user is at the concurrency cap.
// Eviction order is deterministic: oldest lastActivity, ties broken by earliest
// creation, then by session ID.
func (m *Manager) CreateSession(userID, userName string, params CreateParams) (*UserSession, error) {
	if userID == "" {
		return nil, errors.Wrap(autherrors.ErrInvalidRequest, "[CreateSession] userId is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()

	// Enforce the cap against a consistent snapshot of the user's session set.
	if m.maxConcurrent > 0 {
		for len(m.activeUserSessions(userID, now)) >= m.maxConcurrent {
			victim := m.evictionVictim(userID, now)
			if victim == "" {
				break
			}
			m.removeSessionLocked(victim, ActivityLogout, "evicted: concurrent session limit")
		}
	}

	duration := params.Duration
	if duration <= 0 {
		duration = m.defaultTimeout
	}
	clientSessionID := params.ClientSessionID
	if clientSessionID == "" {
		clientSessionID = uuid.New().String()
	}

	session := UserSession{
		ID:              uuid.New().String(),
		ClientSessionID: clientSessionID,
		UserID:          userID,
		UserName:        userName,
		UserEmail:       params.UserEmail,
		AccessTokenID:   params.AccessTokenID,
		RefreshTokenID:  params.RefreshTokenID,
		Permissions:     append([]string(nil), params.Permissions...),
		State:           StateAuthenticated,
		CreatedAt:       now,
		LastActivity:    now,
		ExpiresAt:       now.Add(duration),
		Metadata:        params.Metadata,
	}

	rec := &record{session: session}
	m.appendActivity(rec, ActivityLogin, "session created")
	m.sessions[session.ID] = rec
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][session.ID] = struct{}{}

	out := session
	m.bus.Publish(events.Event{
		Topic:     events.TopicSessionCreated,
		SessionID: session.ID,
		UserID:    userID,
		Fields:    map[string]any{"session": &out},
	})

	result := session
	return &result, nil
}

// GetSession returns the session. A read that discovers expiry performs the expiry
// transition and removal as a side effect, so a subsequent Get reports not found.
func (m *Manager) GetSession(sessionID string) (*UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(sessionID)
}

// ValidateSession checks both the absolute expiry and the activity timeout:
// inactivity beyond the activity timeout expires the session even when its
// absolute expiry is still ahead.
func (m *Manager) ValidateSession(sessionID string) (*UserSession, error) {
	return m.GetSession(sessionID)
}

// UpdateActivity touches the session's activity timestamp. Called on every
// authenticated request.
func (m *Manager) UpdateActivity(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveRecord(sessionID)
	if err != nil {
		return err
	}
	rec.session.LastActivity = m.nowFunc()
	return nil
}

// RefreshSession extends the session's absolute expiry. CreatedAt is preserved.
func (m *Manager) RefreshSession(sessionID string, newDuration time.Duration) (*UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveRecord(sessionID)
	if err != nil {
		return nil, err
	}
	if newDuration <= 0 {
		newDuration = m.defaultTimeout
	}
	now := m.nowFunc()
	rec.session.ExpiresAt = now.Add(newDuration)
	rec.session.LastActivity = now
	m.appendActivity(rec, ActivityRefresh, "session extended")

	out := rec.session
	m.bus.Publish(events.Event{
		Topic:     events.TopicSessionRefreshed,
		SessionID: sessionID,
		UserID:    rec.session.UserID,
		Fields:    map[string]any{"session": &out},
	})

	result := rec.session
	return &result, nil
}

// BeginTokenRefresh moves an authenticated session into the token_refreshing state.
func (m *Manager) BeginTokenRefresh(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveRecord(sessionID)
	if err != nil {
		return err
	}
	if rec.session.State != StateAuthenticated {
		return errors.Wrapf(autherrors.ErrSessionInvalid, "[BeginTokenRefresh] session in state %s", rec.session.State)
	}
	rec.session.State = StateTokenRefreshing
	return nil
}

// CompleteTokenRefresh finishes a token refresh. On success the session returns to
// authenticated with the new access token reference; on failure it enters the
// error state.
func (m *Manager) CompleteTokenRefresh(sessionID, accessTokenID string, succeeded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveRecord(sessionID)
	if err != nil {
		return err
	}
	if succeeded {
		rec.session.State = StateAuthenticated
		if accessTokenID != "" {
			rec.session.AccessTokenID = accessTokenID
		}
		rec.session.LastActivity = m.nowFunc()
		m.appendActivity(rec, ActivityRefresh, "access token refreshed")
		out := rec.session
		m.bus.Publish(events.Event{
			Topic:     events.TopicSessionRefreshed,
			SessionID: sessionID,
			UserID:    rec.session.UserID,
			Fields:    map[string]any{"session": &out},
		})
		return nil
	}
	rec.session.State = StateError
	m.appendActivity(rec, ActivityRefresh, "access token refresh failed")
	return nil
}

// RemoveSession revokes and deletes a session, releasing any lock it holds.
func (m *Manager) RemoveSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return autherrors.ErrSessionNotFound
	}
	m.removeSessionLocked(sessionID, ActivityLogout, "session removed")
	return nil
}

// RemoveUserSessions cascades through every session held by the user, releasing
// locks and recording a logout per session. Returns the number removed.
func (m *Manager) RemoveUserSessions(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.removeSessionLocked(id, ActivityLogout, "user sessions removed")
	}
	return len(ids)
}

// CleanupExpiredSessions removes every expired session. Lazy expiry already keeps
// reads correct; this sweep exists for liveness under low traffic.
func (m *Manager) CleanupExpiredSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	removed := 0
	for id, rec := range m.sessions {
		if m.expired(rec, now) {
			m.expireLocked(id, rec)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps expired sessions on the configured interval until the
// returned stop function is called.
func (m *Manager) StartCleanup() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := m.CleanupExpiredSessions(); removed > 0 {
					log.Debug().Int("removed", removed).Msg("swept expired sessions")
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// ActivityLog returns a copy of the session's bounded activity log.
func (m *Manager) ActivityLog(sessionID string) ([]Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, autherrors.ErrSessionNotFound
	}
	return append([]Activity(nil), rec.activity...), nil
}

// Sessions returns a copy of every live session, keyed by ID. Used by the
// persistence collaborator when producing snapshots.
func (m *Manager) Sessions() map[string]*UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*UserSession, len(m.sessions))
	for id, rec := range m.sessions {
		session := rec.session
		out[id] = &session
	}
	return out
}

// Stats reports the current session population.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := 0
	for _, queue := range m.queues {
		queued += len(queue)
	}
	perUser := make(map[string]int, len(m.byUser))
	for userID, set := range m.byUser {
		perUser[userID] = len(set)
	}
	return Stats{
		Active:         len(m.sessions),
		Locked:         len(m.locks),
		QueuedSessions: queued,
		PerUser:        perUser,
	}
}

// --- internal helpers; callers hold m.mu ---

func (m *Manager) getLocked(sessionID string) (*UserSession, error) {
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, autherrors.ErrSessionNotFound
	}
	if m.expired(rec, m.nowFunc()) {
		m.expireLocked(sessionID, rec)
		return nil, autherrors.ErrSessionExpired
	}
	out := rec.session
	return &out, nil
}

// liveRecord returns the mutable record for a non-expired session.
func (m *Manager) liveRecord(sessionID string) (*record, error) {
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, autherrors.ErrSessionNotFound
	}
	if m.expired(rec, m.nowFunc()) {
		m.expireLocked(sessionID, rec)
		return nil, autherrors.ErrSessionExpired
	}
	return rec, nil
}

func (m *Manager) expired(rec *record, now time.Time) bool {
	if now.After(rec.session.ExpiresAt) {
		return true
	}
	return m.activityTimeout > 0 && now.Sub(rec.session.LastActivity) > m.activityTimeout
}

// expireLocked performs the expiry transition and removal.
func (m *Manager) expireLocked(sessionID string, rec *record) {
	rec.session.State = StateExpired
	m.appendActivity(rec, ActivityTimeout, "session expired")
	m.bus.Publish(events.Event{Topic: events.TopicSessionExpired, SessionID: sessionID, UserID: rec.session.UserID})
	m.deleteLocked(sessionID, rec.session.UserID)
	m.bus.Publish(events.Event{Topic: events.TopicSessionRemoved, SessionID: sessionID, UserID: rec.session.UserID})
}

// removeSessionLocked revokes, logs and deletes a session.
func (m *Manager) removeSessionLocked(sessionID string, activity ActivityType, detail string) {
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.session.State = StateRevoked
	m.appendActivity(rec, activity, detail)
	m.deleteLocked(sessionID, rec.session.UserID)
	m.bus.Publish(events.Event{Topic: events.TopicSessionRemoved, SessionID: sessionID, UserID: rec.session.UserID})
}

// deleteLocked drops the session from every table, releasing its lock.
func (m *Manager) deleteLocked(sessionID, userID string) {
	if lock, ok := m.locks[sessionID]; ok {
		delete(m.locks, sessionID)
		m.bus.Publish(events.Event{Topic: events.TopicLockReleased, SessionID: sessionID, UserID: lock.UserID})
	}
	delete(m.sessions, sessionID)
	if set, ok := m.byUser[userID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
}

// activeUserSessions returns the ids of the user's non-expired sessions, expiring
// stale ones on the way so the cap is enforced against live sessions only.
func (m *Manager) activeUserSessions(userID string, now time.Time) []string {
	var ids []string
	for id := range m.byUser[userID] {
		rec := m.sessions[id]
		if rec == nil {
			continue
		}
		if m.expired(rec, now) {
			m.expireLocked(id, rec)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// evictionVictim picks the least-recently-active session deterministically.
func (m *Manager) evictionVictim(userID string, now time.Time) string {
	ids := m.activeUserSessions(userID, now)
	if len(ids) == 0 {
		return ""
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.sessions[ids[i]].session, m.sessions[ids[j]].session
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.Before(b.LastActivity)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ids[0]
}

func (m *Manager) appendActivity(rec *record, activityType ActivityType, detail string) {
	rec.activity = append(rec.activity, Activity{
		Type:      activityType,
		Timestamp: m.nowFunc(),
		Detail:    detail,
	})
	if len(rec.activity) > maxActivityLog {
		rec.activity = rec.activity[len(rec.activity)-maxActivityLog:]
	}
}
