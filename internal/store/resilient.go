package store

import (
	"context"
	"errors"
	"time"

	"github.com/terrachat-io/terrachat/internal/logging"
	"github.com/terrachat-io/terrachat/internal/retry"
)

// ResilientStore retries transient I/O failures with bounded backoff and
// degrades them to ErrPersistenceUnavailable once the retries are spent.
// Not-found and other permanent errors pass through untouched.
type ResilientStore struct {
	inner  Store
	policy *retry.Policy
}

// NewResilientStore wraps inner. A nil policy uses short store-appropriate
// delays.
func NewResilientStore(inner Store, policy *retry.Policy) *ResilientStore {
	if policy == nil {
		policy = &retry.Policy{
			MaxRetries: retry.DefaultMaxRetries,
			BaseDelay:  50 * time.Millisecond,
			MaxDelay:   time.Second,
		}
	}
	return &ResilientStore{inner: inner, policy: policy}
}

func (s *ResilientStore) do(ctx context.Context, op string, fn func() error) error {
	err := retry.WithBackoff(ctx, s.policy, fn, func(err error) bool {
		return retry.IsTransient(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if retry.IsTransient(err) {
		logging.Error("session store gave up after retries", "op", op, "error", err)
		return errors.Join(ErrPersistenceUnavailable, err)
	}
	return err
}

func (s *ResilientStore) Put(ctx context.Context, id string, data []byte) error {
	return s.do(ctx, "put", func() error { return s.inner.Put(ctx, id, data) })
}

func (s *ResilientStore) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "get", func() error {
		var err error
		data, err = s.inner.Get(ctx, id)
		return err
	})
	return data, err
}

func (s *ResilientStore) Delete(ctx context.Context, id string) error {
	return s.do(ctx, "delete", func() error { return s.inner.Delete(ctx, id) })
}

func (s *ResilientStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.do(ctx, "list", func() error {
		var err error
		entries, err = s.inner.List(ctx)
		return err
	})
	return entries, err
}

func (s *ResilientStore) Close() error {
	return s.inner.Close()
}
