// Package credential keeps the API token in the platform key store.
package credential

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

const serviceName = "offlinesync"

// Open returns the platform keyring, falling back to an encrypted file
// store under dataDir where no system backend is available.
func Open(dataDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dataDir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("offlinesync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Store reads and writes credentials by key.
type Store struct {
	ring keyring.Keyring
}

// NewStore wraps ring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves a credential. A missing key is reported as NOT_FOUND.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("credential %q not set", key))
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential.
func (s *Store) Set(key, value string) error {
	if key == "" {
		return apperrors.New(apperrors.ErrValidation, "credential key is required")
	}
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// TokenSource returns a bearer token source reading key on every request,
// so a token replaced while requests are queued takes effect on the next
// attempt.
func (s *Store) TokenSource(key string) *TokenSource {
	return &TokenSource{store: s, key: key}
}

// TokenSource supplies the API token from a Store.
type TokenSource struct {
	store *Store
	key   string
}

// Token returns the stored token. A missing token is an error so queued
// requests wait for a login instead of being rejected by the server.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.store.Get(t.key)
}
