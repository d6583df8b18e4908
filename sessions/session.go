package sessions

import "time"

// State is the lifecycle state of a user session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateTokenRefreshing State = "token_refreshing"
	StateExpired         State = "expired"
	StateRevoked         State = "revoked"
	StateError           State = "error"
)

// UserSession is the authorization context handed to downstream tool execution.
// Token material is referenced by ID into the token store, never embedded.
type UserSession struct {
	ID              string            `json:"id"`
	ClientSessionID string            `json:"clientSessionId"`
	UserID          string            `json:"userId"`
	UserName        string            `json:"userName"`
	UserEmail       string            `json:"userEmail"`
	AccessTokenID   string            `json:"accessTokenId"`
	RefreshTokenID  string            `json:"refreshTokenId"`
	Permissions     []string          `json:"permissions"`
	State           State             `json:"state"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivity    time.Time         `json:"lastActivity"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ActivityType classifies entries in a session's bounded activity log.
type ActivityType string

const (
	ActivityLogin    ActivityType = "login"
	ActivityLogout   ActivityType = "logout"
	ActivityRefresh  ActivityType = "refresh"
	ActivityTimeout  ActivityType = "timeout"
	ActivityCleanup  ActivityType = "cleanup"
	ActivityLock     ActivityType = "lock"
	ActivityConflict ActivityType = "conflict"
	ActivityTouch    ActivityType = "touch"
)

// Activity is one entry in a session's activity log. The log keeps the most recent
// maxActivityLog entries; older ones are dropped, archival is a collaborator's job.
type Activity struct {
	Type      ActivityType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Detail    string       `json:"detail,omitempty"`
}

const maxActivityLog = 100

// LockType is the claim strength of a session lock.
type LockType string

const (
	LockRead      LockType = "read"
	LockWrite     LockType = "write"
	LockExclusive LockType = "exclusive"
)

// SessionLock is a time-bounded claim on a session. A lock past its timeout is
// treated as released so a crashed holder cannot wedge the session.
type SessionLock struct {
	LockID    string
	SessionID string
	UserID    string
	Type      LockType
	Timestamp time.Time
	Timeout   time.Duration
}

// Expired reports whether the lock's timeout has elapsed at the given time.
func (l *SessionLock) Expired(now time.Time) bool {
	return now.After(l.Timestamp.Add(l.Timeout))
}

// ConflictType classifies a detected session conflict.
type ConflictType string

const (
	ConflictConcurrentModification ConflictType = "concurrent-modification"
	ConflictResourceLock           ConflictType = "resource-lock"
	ConflictPriority               ConflictType = "priority-conflict"
)

// Conflict records a detected conflict and how it was resolved.
type Conflict struct {
	ConflictID          string
	ConflictingSessions []string
	Type                ConflictType
	Resolution          string
	ResolvedAt          time.Time
}

// CreateParams carries the optional session attributes supplied at creation.
type CreateParams struct {
	ClientSessionID string
	UserEmail       string
	Permissions     []string
	AccessTokenID   string
	RefreshTokenID  string
	Duration        time.Duration // overrides the manager's default timeout when > 0
	Metadata        map[string]string
}

// Stats summarizes the manager's current session population.
type Stats struct {
	Active         int
	Locked         int
	QueuedSessions int
	PerUser        map[string]int
}
