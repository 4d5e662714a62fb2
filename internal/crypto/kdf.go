package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the length of KeyMaterial in bytes (256 bits).
	KeySize = 32

	// DerivationSaltSize is the length of a key derivation salt.
	DerivationSaltSize = 16

	// DefaultIterations is the PBKDF2 iteration count for new derivations.
	DefaultIterations = 100000

	// MinIterations is the lowest iteration count accepted by Validate.
	MinIterations = 1000

	// AlgorithmPBKDF2SHA256 is the only derivation algorithm in format v1.
	AlgorithmPBKDF2SHA256 = "pbkdf2-sha256"
)

// KeyMaterial holds raw symmetric key bytes. It is threaded explicitly
// through every engine and processor call; there is no ambient key state.
type KeyMaterial []byte

// Valid reports whether the key has the expected length.
func (k KeyMaterial) Valid() bool { return len(k) == KeySize }

// Zero overwrites the key bytes in place.
func (k KeyMaterial) Zero() { zeroBytes(k) }

// Fingerprint returns a short hex identifier safe for logs and audit trails.
// It is the first 8 bytes of the key's SHA-256 and reveals nothing usable
// about the key itself.
func (k KeyMaterial) Fingerprint() string {
	sum := sha256.Sum256(k)
	return hex.EncodeToString(sum[:8])
}

// Equal compares two keys in constant time.
func (k KeyMaterial) Equal(other KeyMaterial) bool {
	if len(k) != len(other) {
		return false
	}
	return subtle.ConstantTimeCompare(k, other) == 1
}

// DerivationParameters fix everything needed to reproduce a derived key:
// algorithm, salt, and iteration count. A salt must never be reused across
// independent derivations from the same password; reuse is only legitimate
// when deliberately reproducing a prior key.
type DerivationParameters struct {
	Algorithm  string
	Salt       []byte
	Iterations int
}

// NewDerivationParameters returns parameters with a fresh random salt and the
// default algorithm and iteration count.
func NewDerivationParameters() (DerivationParameters, error) {
	salt := make([]byte, DerivationSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return DerivationParameters{}, fmt.Errorf("%w: failed to generate derivation salt: %w", ErrGeneration, err)
	}
	return DerivationParameters{
		Algorithm:  AlgorithmPBKDF2SHA256,
		Salt:       salt,
		Iterations: DefaultIterations,
	}, nil
}

// Validate checks the parameters against the v1 format rules.
func (p DerivationParameters) Validate() error {
	if p.Algorithm != AlgorithmPBKDF2SHA256 {
		return fmt.Errorf("unsupported derivation algorithm: %s", p.Algorithm)
	}
	if len(p.Salt) != DerivationSaltSize {
		return fmt.Errorf("invalid derivation salt size: expected %d bytes, got %d", DerivationSaltSize, len(p.Salt))
	}
	if p.Iterations < MinIterations {
		return fmt.Errorf("iteration count %d below minimum %d", p.Iterations, MinIterations)
	}
	return nil
}

// Derive produces KeyMaterial from a password using PBKDF2 with SHA-256.
// The same password and parameters always yield the same key.
func (e *Engine) Derive(password string, params DerivationParameters) (KeyMaterial, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid derivation parameters: %w", err)
	}

	key := KeyMaterial(pbkdf2.Key([]byte(password), params.Salt, params.Iterations, KeySize, sha256.New))

	e.logger.WithFields(logrus.Fields{
		"iterations":      params.Iterations,
		"key_fingerprint": key.Fingerprint(),
	}).Debug("derived key from password")

	return key, nil
}
