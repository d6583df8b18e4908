package sessions_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgegate/forgegate/events"
	"github.com/forgegate/forgegate/internal/config"
	autherrors "github.com/forgegate/forgegate/internal/errors"
	"github.com/forgegate/forgegate/sessions"
)

// testSessionConfig provides deterministic settings without reading the environment.
type testSessionConfig struct {
	defaultTimeout  time.Duration
	activityTimeout time.Duration
	maxConcurrent   int
	cleanupInterval time.Duration
	conflict        config.ConflictResolutionType
	lockTimeout     time.Duration
}

func (c testSessionConfig) GetDefaultTimeout() time.Duration  { return c.defaultTimeout }
func (c testSessionConfig) GetActivityTimeout() time.Duration { return c.activityTimeout }
func (c testSessionConfig) GetMaxConcurrentSessions() int     { return c.maxConcurrent }
func (c testSessionConfig) GetCleanupInterval() time.Duration { return c.cleanupInterval }
func (c testSessionConfig) GetConflictResolution() config.ConflictResolutionType {
	return c.conflict
}
func (c testSessionConfig) GetLockTimeout() time.Duration { return c.lockTimeout }

type testFixture struct {
	manager *sessions.Manager
	bus     *events.Bus
	now     time.Time
	topics  []string
}

func setupTestFixture(t *testing.T, options ...func(*testSessionConfig)) *testFixture {
	t.Helper()

	cfg := testSessionConfig{
		defaultTimeout:  30 * time.Minute,
		activityTimeout: 15 * time.Minute,
		maxConcurrent:   3,
		cleanupInterval: time.Minute,
		conflict:        config.ConflictLatestWins,
		lockTimeout:     30 * time.Second,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	f := &testFixture{bus: events.NewBus(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.bus.Subscribe(events.TopicAll, func(e events.Event) {
		f.topics = append(f.topics, e.Topic)
	})

	manager, err := sessions.NewManager(cfg, f.bus, sessions.WithNowFunc(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.manager = manager
	return f
}

func (f *testFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestCreateAndGetSession(t *testing.T) {
	f := setupTestFixture(t)

	created, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{
		Permissions: []string{"repo:read"},
		UserEmail:   "ada@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, sessions.StateAuthenticated, created.State)
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.ClientSessionID)
	require.Equal(t, f.now.Add(30*time.Minute), created.ExpiresAt)

	fetched, err := f.manager.GetSession(created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, []string{"repo:read"}, fetched.Permissions)
	require.Contains(t, f.topics, events.TopicSessionCreated)
}

func TestCreateSessionRequiresUser(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.CreateSession("", "Ada", sessions.CreateParams{})
	require.ErrorIs(t, err, autherrors.ErrInvalidRequest)
}

func TestConcurrencyCapEvictsLeastRecentlyActive(t *testing.T) {
	f := setupTestFixture(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
		f.advance(time.Second)
	}

	// Touch the first two so the third is least recently active.
	require.NoError(t, f.manager.UpdateActivity(ids[0]))
	require.NoError(t, f.manager.UpdateActivity(ids[1]))

	s4, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{})
	require.NoError(t, err)

	_, err = f.manager.GetSession(ids[2])
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
	for _, id := range []string{ids[0], ids[1], s4.ID} {
		_, err := f.manager.GetSession(id)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.manager.Stats().Active)
}

func TestCapCountsPerUser(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.maxConcurrent = 1 })

	a, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{})
	require.NoError(t, err)
	b, err := f.manager.CreateSession("user-2", "Grace", sessions.CreateParams{})
	require.NoError(t, err)

	// A second user is unaffected by the first user's cap.
	_, err = f.manager.GetSession(a.ID)
	require.NoError(t, err)
	_, err = f.manager.GetSession(b.ID)
	require.NoError(t, err)
}

func TestLazyExpiryOnGet(t *testing.T) {
	f := setupTestFixture(t)

	s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{Duration: time.Minute})
	require.NoError(t, err)

	f.advance(2 * time.Minute)
	_, err = f.manager.GetSession(s.ID)
	require.ErrorIs(t, err, autherrors.ErrSessionExpired)
	require.Contains(t, f.topics, events.TopicSessionExpired)

	// The expiring read removed the session; the next read reports not found.
	_, err = f.manager.GetSession(s.ID)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}

func TestActivityTimeoutExpiresBeforeAbsoluteExpiry(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.activityTimeout = 5 * time.Minute })

	s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{Duration: time.Hour})
	require.NoError(t, err)

	f.advance(6 * time.Minute)
	_, err = f.manager.ValidateSession(s.ID)
	require.ErrorIs(t, err, autherrors.ErrSessionExpired)
}

func TestUpdateActivityKeepsSessionAlive(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.activityTimeout = 5 * time.Minute })

	s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{Duration: time.Hour})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		f.advance(4 * time.Minute)
		require.NoError(t, f.manager.UpdateActivity(s.ID))
	}
	validated, err := f.manager.ValidateSession(s.ID)
	require.NoError(t, err)
	require.Equal(t, f.now, validated.LastActivity)
}

func TestRefreshSessionExtendsWithoutResettingCreatedAt(t *testing.T) {
	f := setupTestFixture(t)

	s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{Duration: 10 * time.Minute})
	require.NoError(t, err)

	f.advance(5 * time.Minute)
	refreshed, err := f.manager.RefreshSession(s.ID, time.Hour)
	require.NoError(t, err)
	require.Equal(t, s.CreatedAt, refreshed.CreatedAt)
	require.Equal(t, f.now.Add(time.Hour), refreshed.ExpiresAt)
	require.Contains(t, f.topics, events.TopicSessionRefreshed)
}

func TestTokenRefreshStateTransitions(t *testing.T) {
	f := setupTestFixture(t)

	s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{AccessTokenID: "tok-1"})
	require.NoError(t, err)

	require.NoError(t, f.manager.BeginTokenRefresh(s.ID))
	current, err := f.manager.GetSession(s.ID)
	require.NoError(t, err)
	require.Equal(t, sessions.StateTokenRefreshing, current.State)

	// A second refresh cannot start while one is in flight.
	require.ErrorIs(t, f.manager.BeginTokenRefresh(s.ID), autherrors.ErrSessionInvalid)

	require.NoError(t, f.manager.CompleteTokenRefresh(s.ID, "tok-2", true))
	current, err = f.manager.GetSession(s.ID)
	require.NoError(t, err)
	require.Equal(t, sessions.StateAuthenticated, current.State)
	require.Equal(t, "tok-2", current.AccessTokenID)
}

func TestFailedTokenRefreshEntersErrorState(t *testing.T) {
	f := setupTestFixture(t)

	s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{})
	require.NoError(t, err)

	require.NoError(t, f.manager.BeginTokenRefresh(s.ID))
	require.NoError(t, f.manager.CompleteTokenRefresh(s.ID, "", false))

	current, err := f.manager.GetSession(s.ID)
	require.NoError(t, err)
	require.Equal(t, sessions.StateError, current.State)
}

func TestRemoveUserSessionsCascades(t *testing.T) {
	f := setupTestFixture(t)

	var locked *sessions.SessionLock
	for i := 0; i < 3; i++ {
		s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{})
		require.NoError(t, err)
		if i == 0 {
			locked, err = f.manager.AcquireSessionLock(s.ID, "user-1", sessions.LockWrite, 0)
			require.NoError(t, err)
		}
	}
	_, err := f.manager.CreateSession("user-2", "Grace", sessions.CreateParams{})
	require.NoError(t, err)

	require.Equal(t, 3, f.manager.RemoveUserSessions("user-1"))

	stats := f.manager.Stats()
	require.Equal(t, 1, stats.Active)
	require.Zero(t, stats.Locked)
	require.NotNil(t, locked)
	require.Contains(t, f.topics, events.TopicLockReleased)
}

func TestCleanupExpiredSessions(t *testing.T) {
	f := setupTestFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.manager.CreateSession(fmt.Sprintf("user-%d", i), "x", sessions.CreateParams{Duration: time.Minute})
		require.NoError(t, err)
	}
	survivor, err := f.manager.CreateSession("user-9", "x", sessions.CreateParams{Duration: time.Hour})
	require.NoError(t, err)

	f.advance(2 * time.Minute)
	require.NoError(t, f.manager.UpdateActivity(survivor.ID))
	require.Equal(t, 3, f.manager.CleanupExpiredSessions())
	require.Equal(t, 1, f.manager.Stats().Active)
}

func TestActivityLogIsBounded(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.activityTimeout = 0 })

	s, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{Duration: 24 * time.Hour})
	require.NoError(t, err)

	for i := 0; i < 150; i++ {
		_, err := f.manager.RefreshSession(s.ID, time.Hour)
		require.NoError(t, err)
	}
	log, err := f.manager.ActivityLog(s.ID)
	require.NoError(t, err)
	require.Len(t, log, 100)
	for _, entry := range log {
		require.Equal(t, sessions.ActivityRefresh, entry.Type)
	}
}

func TestStatsPerUser(t *testing.T) {
	f := setupTestFixture(t)

	for i := 0; i < 2; i++ {
		_, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{})
		require.NoError(t, err)
	}
	_, err := f.manager.CreateSession("user-2", "Grace", sessions.CreateParams{})
	require.NoError(t, err)

	stats := f.manager.Stats()
	require.Equal(t, 3, stats.Active)
	require.Equal(t, 2, stats.PerUser["user-1"])
	require.Equal(t, 1, stats.PerUser["user-2"])
}
