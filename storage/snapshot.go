package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/forgegate/forgegate/crypto"
)

const snapshotVersion = 1

// Snapshot is the versioned backup artifact produced from the core's session set.
// The artifact written to disk is the JSON form of this struct, gzip-compressed and
// then encrypted by the crypto service.
type Snapshot struct {
	Timestamp    time.Time                  `json:"timestamp"`
	Version      int                        `json:"version"`
	Backend      string                     `json:"backend"`
	SessionCount int                        `json:"sessionCount"`
	Sessions     map[string]json.RawMessage `json:"sessions"`
}

// Snapshotter produces and restores encrypted snapshots against a Backend.
type Snapshotter struct {
	backend Backend
	crypto  *crypto.Service
	nowFunc func() time.Time
}

type SnapshotterOption func(*Snapshotter)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) SnapshotterOption {
	return func(s *Snapshotter) {
		s.nowFunc = now
	}
}

func NewSnapshotter(backend Backend, cryptoService *crypto.Service, options ...SnapshotterOption) (*Snapshotter, error) {
	if backend == nil {
		return nil, errors.New("[NewSnapshotter] backend is required")
	}
	if cryptoService == nil {
		return nil, errors.New("[NewSnapshotter] crypto service is required")
	}
	s := &Snapshotter{backend: backend, crypto: cryptoService, nowFunc: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Create captures every entry currently held by the backend into a compressed,
// encrypted artifact.
func (s *Snapshotter) Create(password string) ([]byte, error) {
	keys, err := s.backend.List()
	if err != nil {
		return nil, errors.Wrap(err, "[Create] listing backend")
	}
	stats, err := s.backend.Stats()
	if err != nil {
		return nil, errors.Wrap(err, "[Create] backend stats")
	}

	sessions := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		value, err := s.backend.Retrieve(key)
		if err != nil {
			if errors.Is(err, NotFoundErr) {
				continue // removed between List and Retrieve
			}
			return nil, errors.Wrapf(err, "[Create] retrieving %q", key)
		}
		sessions[key] = json.RawMessage(value)
	}

	snapshot := Snapshot{
		Timestamp:    s.nowFunc(),
		Version:      snapshotVersion,
		Backend:      stats.Name,
		SessionCount: len(sessions),
		Sessions:     sessions,
	}

	plain, err := json.Marshal(snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "[Create] marshaling snapshot")
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(plain); err != nil {
		return nil, errors.Wrap(err, "[Create] compressing")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "[Create] closing gzip writer")
	}

	encrypted, err := s.crypto.Encrypt(compressed.Bytes(), password)
	if err != nil {
		return nil, errors.Wrap(err, "[Create] encrypting")
	}
	return json.Marshal(encrypted)
}

// Restore decrypts and decompresses an artifact, clears the backend, and replays
// every captured session through Store. State is replaced, never merged.
func (s *Snapshotter) Restore(artifact []byte, password string) (*Snapshot, error) {
	var encrypted crypto.EncryptedData
	if err := json.Unmarshal(artifact, &encrypted); err != nil {
		return nil, errors.Wrap(err, "[Restore] decoding artifact")
	}

	compressed, err := s.crypto.Decrypt(&encrypted, password)
	if err != nil {
		return nil, errors.Wrap(err, "[Restore] decrypting")
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(err, "[Restore] opening gzip reader")
	}
	plain, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.Wrap(err, "[Restore] decompressing")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "[Restore] closing gzip reader")
	}

	var snapshot Snapshot
	if err := json.Unmarshal(plain, &snapshot); err != nil {
		return nil, errors.Wrap(err, "[Restore] unmarshaling snapshot")
	}

	if err := s.backend.Clear(); err != nil {
		return nil, errors.Wrap(err, "[Restore] clearing backend")
	}
	for key, value := range snapshot.Sessions {
		if err := s.backend.Store(key, value); err != nil {
			return nil, errors.Wrapf(err, "[Restore] storing %q", key)
		}
	}
	return &snapshot, nil
}
