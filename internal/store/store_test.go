package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrachat-io/terrachat/internal/retry"
)

func TestSQLiteStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	// 1. Missing session reads as not found
	_, err = s.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	// 2. Put then get returns the stored payload
	require.NoError(t, s.Put(ctx, "sess-1", []byte(`{"state":"collecting"}`)))
	data, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, `{"state":"collecting"}`, string(data))

	// 3. Put on an existing id overwrites
	require.NoError(t, s.Put(ctx, "sess-1", []byte(`{"state":"confirming"}`)))
	data, err = s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, `{"state":"confirming"}`, string(data))

	// 4. List returns entries most recently updated first
	require.NoError(t, s.Put(ctx, "sess-2", []byte(`{}`)))
	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	ids := []string{entries[0].ID, entries[1].ID}
	assert.Contains(t, ids, "sess-1")
	assert.Contains(t, ids, "sess-2")

	// 5. Delete removes the session; deleting again is not an error
	require.NoError(t, s.Delete(ctx, "sess-1"))
	_, err = s.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "sess-1"))
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "sess-1", []byte("payload")))
	require.NoError(t, s.Close())

	// Reopening runs migrations again; the data must survive.
	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	data, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	payload := []byte("original")
	require.NoError(t, s.Put(ctx, "sess-1", payload))

	// Mutating the caller's slice must not affect the stored copy.
	payload[0] = 'X'
	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	// Mutating the returned slice must not affect subsequent reads.
	got[0] = 'Y'
	again, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again))
}

func TestMemoryStoreListOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Put(ctx, "older", []byte("a")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Put(ctx, "newer", []byte("b")))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "newer", entries[0].ID)
	assert.Equal(t, "older", entries[1].ID)
}

func TestEncryptedStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	t.Setenv(EncryptionKeyEnvVar, "unit-test-encryption-key")

	inner := NewMemoryStore()
	s := NewEncryptedStore(inner)
	defer s.Close()

	plaintext := []byte(`{"activeIntent":{"action":"create"}}`)
	require.NoError(t, s.Put(ctx, "sess-1", plaintext))

	// 1. The backend holds ciphertext, not the session payload
	raw, err := inner.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, raw)
	assert.Contains(t, string(raw), "TERRACHAT_ENCRYPTED_SESSION")

	// 2. Reads through the wrapper decrypt transparently
	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptedStoreWithoutKey(t *testing.T) {
	ctx := context.Background()

	t.Run("passthrough when no key is set", func(t *testing.T) {
		t.Setenv(EncryptionKeyEnvVar, "")
		inner := NewMemoryStore()
		s := NewEncryptedStore(inner)

		require.NoError(t, s.Put(ctx, "sess-1", []byte("plain")))
		raw, err := inner.Get(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "plain", string(raw))
	})

	t.Run("encrypted payload without key fails", func(t *testing.T) {
		inner := NewMemoryStore()

		t.Setenv(EncryptionKeyEnvVar, "unit-test-encryption-key")
		s := NewEncryptedStore(inner)
		require.NoError(t, s.Put(ctx, "sess-1", []byte("secret")))

		t.Setenv(EncryptionKeyEnvVar, "")
		_, err := s.Get(ctx, "sess-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
	})
}

// flakyStore fails every call with failErr until failures is exhausted.
type flakyStore struct {
	*MemoryStore
	failures int
	failErr  error
	calls    int
}

func (f *flakyStore) Put(ctx context.Context, id string, data []byte) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.failErr
	}
	return f.MemoryStore.Put(ctx, id, data)
}

func (f *flakyStore) Get(ctx context.Context, id string) ([]byte, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, f.failErr
	}
	return f.MemoryStore.Get(ctx, id)
}

func fastPolicy(maxRetries int) *retry.Policy {
	return &retry.Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestResilientStoreRecovers(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    2,
		failErr:     errors.New("database is locked"),
	}
	s := NewResilientStore(flaky, fastPolicy(3))

	require.NoError(t, s.Put(ctx, "sess-1", []byte("payload")))
	assert.Equal(t, 3, flaky.calls)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestResilientStoreExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    10,
		failErr:     errors.New("database is locked"),
	}
	s := NewResilientStore(flaky, fastPolicy(2))

	err := s.Put(ctx, "sess-1", []byte("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
	// 1 initial attempt + 2 retries
	assert.Equal(t, 3, flaky.calls)
}

func TestResilientStorePermanentErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	s := NewResilientStore(NewMemoryStore(), fastPolicy(3))

	_, err := s.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPersistenceUnavailable)
}
