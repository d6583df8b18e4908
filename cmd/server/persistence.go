package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/forgegate/forgegate/crypto"
	"github.com/forgegate/forgegate/events"
	"github.com/forgegate/forgegate/internal/config"
	"github.com/forgegate/forgegate/sessions"
	"github.com/forgegate/forgegate/storage"
)

// sessionMirror is the persistence collaborator: it follows session lifecycle
// events and keeps a storage backend in sync with the live session set, so a
// snapshot can be produced at any point without touching the session manager's
// internals.
type sessionMirror struct {
	backend     storage.Backend
	snapshotter *storage.Snapshotter
	manager     *sessions.Manager
	backupPath  string
	password    string
}

func newSessionMirror(manager *sessions.Manager, cryptoService *crypto.Service, bus *events.Bus) (*sessionMirror, error) {
	backend := storage.NewMemoryBackend()
	snapshotter, err := storage.NewSnapshotter(backend, cryptoService)
	if err != nil {
		return nil, err
	}
	m := &sessionMirror{
		backend:     backend,
		snapshotter: snapshotter,
		manager:     manager,
		backupPath:  config.GetEnv("SESSION_BACKUP_PATH", ""),
		password:    config.GetEnv("SESSION_BACKUP_PASSWORD", ""),
	}

	bus.Subscribe(events.TopicSessionCreated, m.store)
	bus.Subscribe(events.TopicSessionRefreshed, m.store)
	bus.Subscribe(events.TopicSessionRemoved, m.remove)
	bus.Subscribe(events.TopicSessionExpired, m.remove)

	return m, nil
}

func (m *sessionMirror) store(e events.Event) {
	session, ok := e.Fields["session"].(*sessions.UserSession)
	if !ok {
		return
	}
	encoded, err := json.Marshal(session)
	if err != nil {
		log.Error().Err(err).Str("sessionId", e.SessionID).Msg("could not encode session for mirror")
		return
	}
	if err := m.backend.Store(e.SessionID, encoded); err != nil {
		log.Error().Err(err).Str("sessionId", e.SessionID).Msg("could not mirror session")
	}
}

func (m *sessionMirror) remove(e events.Event) {
	if err := m.backend.Remove(e.SessionID); err != nil {
		return // already gone
	}
}

// backup writes an encrypted snapshot of the session set. The mirror is
// re-synced against the manager first so the artifact reflects the authoritative
// state, not just the event stream.
func (m *sessionMirror) backup() {
	if m.backupPath == "" {
		return
	}
	if err := m.backend.Clear(); err == nil {
		for id, session := range m.manager.Sessions() {
			if encoded, err := json.Marshal(session); err == nil {
				_ = m.backend.Store(id, encoded)
			}
		}
	}
	artifact, err := m.snapshotter.Create(m.password)
	if err != nil {
		log.Error().Err(err).Msg("snapshot failed")
		return
	}
	if err := os.WriteFile(m.backupPath, artifact, 0o600); err != nil {
		log.Error().Err(err).Str("path", m.backupPath).Msg("could not write snapshot")
		return
	}
	log.Info().Str("path", m.backupPath).Msg("session snapshot written")
}
