// Package keystore persists symmetric key material on disk. Two store kinds
// are provided: a plain file store holding the base64 encoded key, and a
// sealed store that wraps the key with a passphrase derived AEAD before it
// touches disk. Both write atomically via a temp file and rename so a crash
// never leaves a truncated key behind.
package keystore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kenneth/filecrypt/internal/crypto"
)

// ErrKeyExists is returned by Persist when the destination already holds a
// key and the caller did not ask to overwrite it.
var ErrKeyExists = errors.New("keystore: key already exists")

const (
	keyFileMode = 0o600
	keyDirMode  = 0o700
)

// Store abstracts key persistence. Implementations must never overwrite an
// existing key unless overwrite is set.
type Store interface {
	// Kind returns a short identifier ("file", "sealed") used for diagnostics.
	Kind() string

	// Path returns the on-disk location of the key.
	Path() string

	// Exists reports whether a key is currently persisted.
	Exists() (bool, error)

	// Load reads the persisted key. It returns crypto.ErrKeyNotFound when no
	// key has been persisted and crypto.ErrKeyFormat when the stored bytes
	// cannot be decoded into valid key material.
	Load() (crypto.KeyMaterial, error)

	// Persist writes the key. When a key already exists and overwrite is
	// false it fails with ErrKeyExists and leaves the stored key untouched.
	Persist(key crypto.KeyMaterial, overwrite bool) error
}

// FileStore keeps the key as a single base64url line in a file readable only
// by the owner.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Kind implements Store.
func (s *FileStore) Kind() string { return "file" }

// Path implements Store.
func (s *FileStore) Path() string { return s.path }

// Exists implements Store.
func (s *FileStore) Exists() (bool, error) {
	return fileExists(s.path)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: failed to stat key file %s: %w", crypto.ErrIO, path, err)
}

// Load implements Store.
func (s *FileStore) Load() (crypto.KeyMaterial, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no key file at %s", crypto.ErrKeyNotFound, s.path)
		}
		return nil, fmt.Errorf("%w: failed to read key file %s: %w", crypto.ErrIO, s.path, err)
	}

	encoded := strings.TrimSpace(string(data))
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: key file %s is not valid base64: %w", crypto.ErrKeyFormat, s.path, err)
	}

	key := crypto.KeyMaterial(raw)
	if !key.Valid() {
		return nil, fmt.Errorf("%w: key file %s holds %d bytes, expected %d", crypto.ErrKeyFormat, s.path, len(raw), crypto.KeySize)
	}
	return key, nil
}

// Persist implements Store.
func (s *FileStore) Persist(key crypto.KeyMaterial, overwrite bool) error {
	if !key.Valid() {
		return fmt.Errorf("%w: refusing to persist %d byte key", crypto.ErrKeyFormat, len(key))
	}

	exists, err := s.Exists()
	if err != nil {
		return err
	}
	if exists && !overwrite {
		return fmt.Errorf("%w at %s", ErrKeyExists, s.path)
	}

	encoded := base64.RawURLEncoding.EncodeToString(key) + "\n"
	return writeKeyFile(s.path, []byte(encoded))
}

// writeKeyFile writes data to path with owner-only permissions, creating the
// parent directory when needed. The write goes through a temp file in the
// same directory followed by a rename so readers never observe a partial key.
func writeKeyFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, keyDirMode); err != nil {
		return fmt.Errorf("%w: failed to create key directory %s: %w", crypto.ErrIO, dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp key file in %s: %w", crypto.ErrIO, dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func(cause error) error {
		tmp.Close()
		os.Remove(tmpName)
		return cause
	}

	if err := tmp.Chmod(keyFileMode); err != nil {
		return cleanup(fmt.Errorf("%w: failed to set key file permissions: %w", crypto.ErrIO, err))
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("%w: failed to write key file: %w", crypto.ErrIO, err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("%w: failed to sync key file: %w", crypto.ErrIO, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to close temp key file: %w", crypto.ErrIO, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to move key file into place: %w", crypto.ErrIO, err)
	}
	return nil
}
