package sessions

import (
	"sort"

	"github.com/google/uuid"

	"github.com/forgegate/forgegate/events"
	"github.com/forgegate/forgegate/internal/config"
	autherrors "github.com/forgegate/forgegate/internal/errors"
)

// HandleSessionConflict resolves contention between a session and the given
// conflicting set using the configured strategy. Resolution is synchronous; the
// returned Conflict records which strategy applied and its outcome.
func (m *Manager) HandleSessionConflict(sessionID string, conflictingSessionIDs []string, conflictType ConflictType) (*Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	involved := m.knownSessions(append([]string{sessionID}, conflictingSessionIDs...))
	if len(involved) == 0 {
		return nil, autherrors.ErrSessionNotFound
	}

	conflict := &Conflict{
		ConflictID:          uuid.New().String(),
		ConflictingSessions: involved,
		Type:                conflictType,
		ResolvedAt:          m.nowFunc(),
	}

	switch m.conflictResolution {
	case config.ConflictMerge:
		conflict.Resolution = m.resolveMerge(sessionID, involved)
	case config.ConflictQueue:
		conflict.Resolution = m.resolveQueue(sessionID, involved)
	case config.ConflictReject:
		conflict.Resolution = m.resolveReject(involved)
	default:
		conflict.Resolution = m.resolveLatestWins(involved)
	}

	for _, id := range involved {
		if rec, ok := m.sessions[id]; ok {
			m.appendActivity(rec, ActivityConflict, conflict.Resolution)
		}
	}
	m.bus.Publish(events.Event{
		Topic:     events.TopicConflictResolved,
		SessionID: sessionID,
		Fields: map[string]any{
			"conflictId": conflict.ConflictID,
			"type":       string(conflictType),
			"resolution": conflict.Resolution,
		},
	})
	return conflict, nil
}

// ProcessQueue admits queued sessions whose underlying session is not currently
// locked, in FIFO order, removing admitted entries. Admission stops at the first
// still-locked entry so queue order is preserved. Returns the admitted ids.
func (m *Manager) ProcessQueue(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	queue := m.queues[key]
	var admitted []string
	for len(queue) > 0 {
		id := queue[0]
		if _, ok := m.sessions[id]; !ok {
			// Session disappeared while queued; drop the entry.
			queue = queue[1:]
			continue
		}
		if held, ok := m.locks[id]; ok && !held.Expired(now) {
			break
		}
		admitted = append(admitted, id)
		queue = queue[1:]
	}
	if len(queue) == 0 {
		delete(m.queues, key)
	} else {
		m.queues[key] = queue
	}
	return admitted
}

// QueueLength reports the number of sessions waiting on a key's admission queue.
func (m *Manager) QueueLength(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[key])
}

// --- strategies; callers hold m.mu ---

// resolveLatestWins retains the most recently created session and drops locks on
// the rest.
func (m *Manager) resolveLatestWins(involved []string) string {
	survivor := involved[0]
	for _, id := range involved[1:] {
		a, b := m.sessions[id].session, m.sessions[survivor].session
		if a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID > b.ID) {
			survivor = id
		}
	}
	for _, id := range involved {
		if id == survivor {
			continue
		}
		m.dropLock(id)
	}
	return "latest-wins: retained " + survivor
}

// resolveMerge combines the conflicting sessions into the target: permission
// union, latest activity, earliest creation. Merging sessions that belong to
// different users is unsupported and reported as merge-failed.
func (m *Manager) resolveMerge(targetID string, involved []string) string {
	target, ok := m.sessions[targetID]
	if !ok {
		return "merge-failed"
	}
	for _, id := range involved {
		if m.sessions[id].session.UserID != target.session.UserID {
			return "merge-failed"
		}
	}

	permissions := map[string]struct{}{}
	lastActivity := target.session.LastActivity
	createdAt := target.session.CreatedAt
	expiresAt := target.session.ExpiresAt
	for _, id := range involved {
		s := m.sessions[id].session
		for _, p := range s.Permissions {
			permissions[p] = struct{}{}
		}
		if s.LastActivity.After(lastActivity) {
			lastActivity = s.LastActivity
		}
		if s.CreatedAt.Before(createdAt) {
			createdAt = s.CreatedAt
		}
		if s.ExpiresAt.After(expiresAt) {
			expiresAt = s.ExpiresAt
		}
	}
	merged := make([]string, 0, len(permissions))
	for p := range permissions {
		merged = append(merged, p)
	}
	sort.Strings(merged)

	target.session.Permissions = merged
	target.session.LastActivity = lastActivity
	target.session.CreatedAt = createdAt
	target.session.ExpiresAt = expiresAt

	for _, id := range involved {
		if id == targetID {
			continue
		}
		m.removeSessionLocked(id, ActivityConflict, "merged into "+targetID)
	}
	return "merged into " + targetID
}

// resolveQueue appends the conflicting sessions to the target's FIFO admission
// queue. Already-queued sessions are not appended twice.
func (m *Manager) resolveQueue(key string, involved []string) string {
	queued := map[string]struct{}{}
	for _, id := range m.queues[key] {
		queued[id] = struct{}{}
	}
	for _, id := range involved {
		if _, ok := queued[id]; ok {
			continue
		}
		m.queues[key] = append(m.queues[key], id)
		queued[id] = struct{}{}
	}
	return "queued for sequential admission"
}

// resolveReject drops every conflicting session's lock unconditionally.
func (m *Manager) resolveReject(involved []string) string {
	for _, id := range involved {
		m.dropLock(id)
	}
	return "rejected: locks dropped"
}

// knownSessions filters to ids with a live session, deduplicated, preserving order.
func (m *Manager) knownSessions(ids []string) []string {
	seen := map[string]struct{}{}
	now := m.nowFunc()
	var out []string
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rec, ok := m.sessions[id]
		if !ok {
			continue
		}
		if m.expired(rec, now) {
			m.expireLocked(id, rec)
			continue
		}
		out = append(out, id)
	}
	return out
}

func (m *Manager) dropLock(sessionID string) {
	held, ok := m.locks[sessionID]
	if !ok {
		return
	}
	delete(m.locks, sessionID)
	m.bus.Publish(events.Event{
		Topic:     events.TopicLockReleased,
		SessionID: sessionID,
		UserID:    held.UserID,
		Fields:    map[string]any{"lockId": held.LockID, "reason": "conflict"},
	})
}
