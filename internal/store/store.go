// Package store persists serialized conversation sessions. Implementations
// are dumb byte stores; serialization, encryption and retry live in
// wrappers so every backend gets them for free.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no session exists under the given ID.
var ErrNotFound = errors.New("session not found")

// ErrPersistenceUnavailable reports that the store kept failing after
// bounded retries. Callers must refuse to confirm state changes they could
// not persist.
var ErrPersistenceUnavailable = errors.New("session persistence unavailable")

// Entry is a session listing row.
type Entry struct {
	ID        string
	UpdatedAt time.Time
}

// Store is the session persistence contract.
type Store interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}
