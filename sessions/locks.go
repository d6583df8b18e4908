package sessions

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgegate/forgegate/events"
	autherrors "github.com/forgegate/forgegate/internal/errors"
)

// AcquireSessionLock claims the session for exclusive use. At most one lock is
// outstanding per session; a lock whose timeout has elapsed counts as released,
// so a crashed holder never wedges the session permanently. The check and the
// claim happen under one critical section.
func (m *Manager) AcquireSessionLock(sessionID, userID string, lockType LockType, timeout time.Duration) (*SessionLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveRecord(sessionID)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	if held, ok := m.locks[sessionID]; ok {
		if !held.Expired(now) {
			return nil, autherrors.ErrSessionLocked
		}
		delete(m.locks, sessionID)
		m.bus.Publish(events.Event{
			Topic:     events.TopicLockReleased,
			SessionID: sessionID,
			UserID:    held.UserID,
			Fields:    map[string]any{"lockId": held.LockID, "reason": "timeout"},
		})
	}

	if timeout <= 0 {
		timeout = m.lockTimeout
	}
	lock := &SessionLock{
		LockID:    uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		Type:      lockType,
		Timestamp: now,
		Timeout:   timeout,
	}
	m.locks[sessionID] = lock
	m.appendActivity(rec, ActivityLock, "lock acquired")
	m.bus.Publish(events.Event{
		Topic:     events.TopicLockAcquired,
		SessionID: sessionID,
		UserID:    userID,
		Fields:    map[string]any{"lockId": lock.LockID, "type": string(lockType)},
	})

	out := *lock
	return &out, nil
}

// ReleaseSessionLock releases the session's lock. The caller must present the exact
// lock ID it was issued; a stale or foreign ID cannot release someone else's claim.
func (m *Manager) ReleaseSessionLock(sessionID, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.locks[sessionID]
	if !ok {
		return autherrors.ErrSessionNotLocked
	}
	if held.LockID != lockID {
		return autherrors.ErrInvalidLock
	}
	delete(m.locks, sessionID)
	if rec, ok := m.sessions[sessionID]; ok {
		m.appendActivity(rec, ActivityLock, "lock released")
	}
	m.bus.Publish(events.Event{
		Topic:     events.TopicLockReleased,
		SessionID: sessionID,
		UserID:    held.UserID,
		Fields:    map[string]any{"lockId": lockID},
	})
	return nil
}

// SessionLockInfo returns the current lock on a session, or nil when unlocked.
// An expired lock is reported as unlocked.
func (m *Manager) SessionLockInfo(sessionID string) *SessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.locks[sessionID]
	if !ok || held.Expired(m.nowFunc()) {
		return nil
	}
	out := *held
	return &out
}
