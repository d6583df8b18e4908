package config

import "time"

// ConflictResolutionType selects how the session manager resolves concurrent-session
// conflicts.
type ConflictResolutionType string

const (
	ConflictLatestWins ConflictResolutionType = "latest-wins"
	ConflictMerge      ConflictResolutionType = "merge"
	ConflictQueue      ConflictResolutionType = "queue"
	ConflictReject     ConflictResolutionType = "reject"
)

type SessionConfig interface {
	GetDefaultTimeout() time.Duration
	GetActivityTimeout() time.Duration
	GetMaxConcurrentSessions() int
	GetCleanupInterval() time.Duration
	GetConflictResolution() ConflictResolutionType
	GetLockTimeout() time.Duration
}

type Session struct{}

var _ SessionConfig = Session{}

func (Session) GetDefaultTimeout() time.Duration {
	return GetEnvDuration("SESSION_DEFAULT_TIMEOUT", 30*time.Minute)
}

// GetActivityTimeout bounds inactivity; a session idle longer than this expires
// even if its absolute expiry has not been reached.
func (Session) GetActivityTimeout() time.Duration {
	return GetEnvDuration("SESSION_ACTIVITY_TIMEOUT", 15*time.Minute)
}

func (Session) GetMaxConcurrentSessions() int {
	return GetEnvInt("SESSION_MAX_CONCURRENT", 5)
}

func (Session) GetCleanupInterval() time.Duration {
	return GetEnvDuration("SESSION_CLEANUP_INTERVAL", 5*time.Minute)
}

func (Session) GetConflictResolution() ConflictResolutionType {
	switch v := ConflictResolutionType(GetEnv("SESSION_CONFLICT_RESOLUTION", string(ConflictLatestWins))); v {
	case ConflictLatestWins, ConflictMerge, ConflictQueue, ConflictReject:
		return v
	}
	return ConflictLatestWins
}

func (Session) GetLockTimeout() time.Duration {
	return GetEnvDuration("SESSION_LOCK_TIMEOUT", 30*time.Second)
}
