// Package storage defines the pluggable persistence interface consumed by backend
// collaborators (file, database, distributed cache). The core depends only on the
// Backend interface; the in-memory implementation is the reference.
package storage

import "errors"

var NotFoundErr = errors.New("key not found")

// Backend is the storage contract. Values are opaque byte payloads; callers own
// serialization.
type Backend interface {
	Store(key string, value []byte) error
	Retrieve(key string) ([]byte, error)
	Remove(key string) error
	List() ([]string, error)
	Clear() error
	Stats() (Stats, error)
}

// Stats describes a backend's current footprint.
type Stats struct {
	Name       string
	Keys       int
	TotalBytes int64
}
