package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/filecrypt/internal/crypto"
)

// ErrConfirmationRequired is returned by Rotate when the caller has not
// explicitly confirmed that existing tokens will become undecryptable.
var ErrConfirmationRequired = errors.New("keystore: rotation requires explicit confirmation")

// Manager owns the lifecycle of the active key: generation, persistence,
// loading, and rotation. It never caches key material; every Load returns a
// fresh copy the caller is responsible for zeroing.
type Manager struct {
	store  Store
	logger *logrus.Logger
}

// NewManager returns a manager over the given store.
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{store: store, logger: logger}
}

// Store returns the underlying key store.
func (m *Manager) Store() Store { return m.store }

// Generate produces fresh random key material without persisting it.
func (m *Manager) Generate() (crypto.KeyMaterial, error) {
	key := make(crypto.KeyMaterial, crypto.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: failed to generate key material: %w", crypto.ErrGeneration, err)
	}

	m.logger.WithFields(logrus.Fields{
		"key_fingerprint": key.Fingerprint(),
	}).Debug("generated key material")

	return key, nil
}

// Persist writes the key to the store. Overwriting an existing key requires
// overwrite to be set; otherwise ErrKeyExists is returned and the stored key
// is left untouched.
func (m *Manager) Persist(key crypto.KeyMaterial, overwrite bool) error {
	if err := m.store.Persist(key, overwrite); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"key_fingerprint": key.Fingerprint(),
		"store":           m.store.Kind(),
		"path":            m.store.Path(),
	}).Info("persisted key")

	return nil
}

// Load reads the persisted key from the store.
func (m *Manager) Load() (crypto.KeyMaterial, error) {
	key, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"key_fingerprint": key.Fingerprint(),
		"store":           m.store.Kind(),
	}).Debug("loaded key")

	return key, nil
}

// LoadOrGenerate loads the persisted key, generating and persisting a new
// one when the store is empty. The returned bool reports whether a new key
// was created.
func (m *Manager) LoadOrGenerate() (crypto.KeyMaterial, bool, error) {
	key, err := m.Load()
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, crypto.ErrKeyNotFound) {
		return nil, false, err
	}

	key, err = m.Generate()
	if err != nil {
		return nil, false, err
	}
	if err := m.Persist(key, false); err != nil {
		key.Zero()
		return nil, false, err
	}
	return key, true, nil
}

// Rotate generates a new key and persists it over the current one. Tokens
// produced under the previous key become undecryptable, so the caller must
// pass confirm explicitly.
func (m *Manager) Rotate(confirm bool) (crypto.KeyMaterial, error) {
	if !confirm {
		return nil, ErrConfirmationRequired
	}

	fields := logrus.Fields{
		"store": m.store.Kind(),
		"path":  m.store.Path(),
	}
	if old, err := m.store.Load(); err == nil {
		fields["previous_fingerprint"] = old.Fingerprint()
		old.Zero()
	}

	key, err := m.Generate()
	if err != nil {
		return nil, err
	}
	if err := m.Persist(key, true); err != nil {
		key.Zero()
		return nil, err
	}

	fields["key_fingerprint"] = key.Fingerprint()
	m.logger.WithFields(fields).Warn("rotated key; tokens written under the previous key can no longer be decrypted")

	return key, nil
}
