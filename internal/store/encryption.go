package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// EncryptionKeyEnvVar is the environment variable for the session
	// encryption key.
	EncryptionKeyEnvVar = "TERRACHAT_SESSION_ENCRYPTION_KEY"

	// Encrypted session payload header
	encryptedHeader = "# TERRACHAT_ENCRYPTED_SESSION\n"
)

// EncryptedStore wraps another store and encrypts payloads at rest using
// AES-256-GCM with a key from the environment. With no key configured it is
// a transparent passthrough.
type EncryptedStore struct {
	inner Store
}

// NewEncryptedStore wraps inner with at-rest encryption.
func NewEncryptedStore(inner Store) *EncryptedStore {
	return &EncryptedStore{inner: inner}
}

func (s *EncryptedStore) Put(ctx context.Context, id string, data []byte) error {
	enc, err := encryptPayload(data)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, id, enc)
}

func (s *EncryptedStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return decryptPayload(data)
}

func (s *EncryptedStore) Delete(ctx context.Context, id string) error {
	return s.inner.Delete(ctx, id)
}

func (s *EncryptedStore) List(ctx context.Context) ([]Entry, error) {
	return s.inner.List(ctx)
}

func (s *EncryptedStore) Close() error {
	return s.inner.Close()
}

// encryptPayload encrypts content with a key from the environment. Returns
// the original content if no key is configured.
func encryptPayload(content []byte) ([]byte, error) {
	key := getEncryptionKey()
	if key == nil {
		return content, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(encryptedHeader + encoded + "\n"), nil
}

// decryptPayload decrypts content if it carries the encryption header.
// Returns the original content if not encrypted.
func decryptPayload(content []byte) ([]byte, error) {
	if !isEncrypted(content) {
		return content, nil
	}

	key := getEncryptionKey()
	if key == nil {
		return nil, fmt.Errorf("session is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := strings.TrimPrefix(string(content), encryptedHeader)
	encoded = strings.TrimSpace(encoded)
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted session: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session (wrong key?): %w", err)
	}
	return plaintext, nil
}

func isEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), encryptedHeader)
}

// getEncryptionKey returns the 32-byte AES key from environment, or nil if
// not set. A shorter key is zero-padded, a longer one truncated.
func getEncryptionKey() []byte {
	keyStr := os.Getenv(EncryptionKeyEnvVar)
	if keyStr == "" {
		return nil
	}
	key := make([]byte, 32)
	copy(key, []byte(keyStr))
	return key
}
