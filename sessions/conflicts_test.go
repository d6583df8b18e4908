package sessions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgegate/forgegate/events"
	"github.com/forgegate/forgegate/internal/config"
	autherrors "github.com/forgegate/forgegate/internal/errors"
	"github.com/forgegate/forgegate/sessions"
)

func createSessions(t *testing.T, f *testFixture, userID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := f.manager.CreateSession(userID, "x", sessions.CreateParams{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
		f.advance(time.Second)
	}
	return ids
}

func TestLatestWinsDropsLocksOnOlderSessions(t *testing.T) {
	f := setupTestFixture(t)

	ids := createSessions(t, f, "user-1", 3)
	for _, id := range ids[:2] {
		_, err := f.manager.AcquireSessionLock(id, "user-1", sessions.LockWrite, 0)
		require.NoError(t, err)
	}

	conflict, err := f.manager.HandleSessionConflict(ids[0], ids[1:], sessions.ConflictConcurrentModification)
	require.NoError(t, err)
	require.Contains(t, conflict.Resolution, "retained "+ids[2])
	require.Len(t, conflict.ConflictingSessions, 3)

	// Older sessions lost their locks; the survivor keeps its state.
	require.Nil(t, f.manager.SessionLockInfo(ids[0]))
	require.Nil(t, f.manager.SessionLockInfo(ids[1]))
	require.Contains(t, f.topics, events.TopicConflictResolved)
}

func TestMergeUnionsPermissionsAndKeepsLatestActivity(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.conflict = config.ConflictMerge })

	a, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{Permissions: []string{"repo:read"}})
	require.NoError(t, err)
	f.advance(time.Minute)
	b, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{Permissions: []string{"repo:write", "repo:read"}})
	require.NoError(t, err)

	conflict, err := f.manager.HandleSessionConflict(a.ID, []string{b.ID}, sessions.ConflictConcurrentModification)
	require.NoError(t, err)
	require.Equal(t, "merged into "+a.ID, conflict.Resolution)

	merged, err := f.manager.GetSession(a.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"repo:read", "repo:write"}, merged.Permissions)
	require.Equal(t, b.LastActivity, merged.LastActivity)
	require.Equal(t, a.CreatedAt, merged.CreatedAt)

	// The absorbed session is gone.
	_, err = f.manager.GetSession(b.ID)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}

func TestMergeAcrossUsersFails(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.conflict = config.ConflictMerge })

	a, err := f.manager.CreateSession("user-1", "Ada", sessions.CreateParams{})
	require.NoError(t, err)
	b, err := f.manager.CreateSession("user-2", "Grace", sessions.CreateParams{})
	require.NoError(t, err)

	conflict, err := f.manager.HandleSessionConflict(a.ID, []string{b.ID}, sessions.ConflictConcurrentModification)
	require.NoError(t, err)
	require.Equal(t, "merge-failed", conflict.Resolution)

	// No-op fallback: both sessions remain.
	_, err = f.manager.GetSession(a.ID)
	require.NoError(t, err)
	_, err = f.manager.GetSession(b.ID)
	require.NoError(t, err)
}

func TestQueueAdmitsInFIFOOrder(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.conflict = config.ConflictQueue })

	ids := createSessions(t, f, "user-1", 3)

	_, err := f.manager.HandleSessionConflict(ids[0], ids[1:], sessions.ConflictResourceLock)
	require.NoError(t, err)
	require.Equal(t, 3, f.manager.QueueLength(ids[0]))

	admitted := f.manager.ProcessQueue(ids[0])
	require.Equal(t, ids, admitted)
	require.Zero(t, f.manager.QueueLength(ids[0]))
}

func TestQueueStopsAtLockedEntry(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.conflict = config.ConflictQueue })

	ids := createSessions(t, f, "user-1", 3)
	lock, err := f.manager.AcquireSessionLock(ids[1], "user-1", sessions.LockExclusive, 0)
	require.NoError(t, err)

	_, err = f.manager.HandleSessionConflict(ids[0], ids[1:], sessions.ConflictResourceLock)
	require.NoError(t, err)

	// Admission preserves order: the locked entry blocks everything behind it.
	require.Equal(t, []string{ids[0]}, f.manager.ProcessQueue(ids[0]))
	require.Equal(t, 2, f.manager.QueueLength(ids[0]))

	require.NoError(t, f.manager.ReleaseSessionLock(ids[1], lock.LockID))
	require.Equal(t, []string{ids[1], ids[2]}, f.manager.ProcessQueue(ids[0]))
}

func TestQueueDoesNotDuplicateEntries(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.conflict = config.ConflictQueue })

	ids := createSessions(t, f, "user-1", 2)

	for i := 0; i < 2; i++ {
		_, err := f.manager.HandleSessionConflict(ids[0], ids[1:], sessions.ConflictResourceLock)
		require.NoError(t, err)
	}
	require.Equal(t, 2, f.manager.QueueLength(ids[0]))
}

func TestRejectDropsAllLocks(t *testing.T) {
	f := setupTestFixture(t, func(c *testSessionConfig) { c.conflict = config.ConflictReject })

	ids := createSessions(t, f, "user-1", 2)
	for _, id := range ids {
		_, err := f.manager.AcquireSessionLock(id, "user-1", sessions.LockWrite, 0)
		require.NoError(t, err)
	}

	_, err := f.manager.HandleSessionConflict(ids[0], ids[1:], sessions.ConflictPriority)
	require.NoError(t, err)
	for _, id := range ids {
		require.Nil(t, f.manager.SessionLockInfo(id))
	}
}

func TestConflictWithNoLiveSessions(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.HandleSessionConflict("missing", []string{"also-missing"}, sessions.ConflictPriority)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}
