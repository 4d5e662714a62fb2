package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kenneth/filecrypt/internal/crypto"
)

// Sealed store header: [version:1][kdf:1][aead:1][salt:16], followed by the
// AEAD nonce and the sealed key. The header is bound into the AEAD as
// additional data, so tampering with the declared KDF or cipher fails the
// open instead of silently changing how the key is derived.
const (
	sealedVersion = 0x01

	sealedHeaderSize = 3 + sealedSaltSize
	sealedSaltSize   = 16

	kdfIDArgon2id = 0x01
	kdfIDPBKDF2   = 0x02

	aeadIDXChaCha20Poly1305 = 0x01
	aeadIDAES256GCM         = 0x02
)

// KDF names accepted by SealedOptions.
const (
	KDFArgon2id     = "argon2id"
	KDFPBKDF2SHA256 = crypto.AlgorithmPBKDF2SHA256
)

// Argon2id parameters for sealed stores. Fixed per format version; bumping
// them means bumping sealedVersion.
const (
	argon2Time    = 1
	argon2MemoryK = 64 * 1024
	argon2Threads = 4
)

// SealedOptions select the KDF and AEAD used when persisting. Loading always
// follows what the stored header declares, so these only matter for writes.
type SealedOptions struct {
	KDF  string // defaults to argon2id
	AEAD string // defaults to XChaCha20-Poly1305
}

// SealedStore wraps the key with a passphrase derived AEAD before writing it
// to disk. A wrong passphrase surfaces as crypto.ErrIntegrity on Load.
type SealedStore struct {
	path       string
	passphrase []byte
	kdf        string
	aead       string
}

var _ Store = (*SealedStore)(nil)

// NewSealedStore returns a sealed store backed by the given path.
func NewSealedStore(path, passphrase string, opts SealedOptions) (*SealedStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("sealed store passphrase cannot be empty")
	}

	kdf := opts.KDF
	if kdf == "" {
		kdf = KDFArgon2id
	}
	if _, err := kdfID(kdf); err != nil {
		return nil, err
	}

	aead := opts.AEAD
	if aead == "" {
		aead = crypto.AEADXChaCha20Poly1305
	}
	if _, err := aeadID(aead); err != nil {
		return nil, err
	}

	return &SealedStore{
		path:       path,
		passphrase: []byte(passphrase),
		kdf:        kdf,
		aead:       aead,
	}, nil
}

// Kind implements Store.
func (s *SealedStore) Kind() string { return "sealed" }

// Path implements Store.
func (s *SealedStore) Path() string { return s.path }

// Exists implements Store.
func (s *SealedStore) Exists() (bool, error) {
	return fileExists(s.path)
}

// Load implements Store.
func (s *SealedStore) Load() (crypto.KeyMaterial, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no sealed key at %s", crypto.ErrKeyNotFound, s.path)
		}
		return nil, fmt.Errorf("%w: failed to read sealed key %s: %w", crypto.ErrIO, s.path, err)
	}

	if len(data) < sealedHeaderSize {
		return nil, fmt.Errorf("%w: sealed key %s is truncated", crypto.ErrKeyFormat, s.path)
	}
	if data[0] != sealedVersion {
		return nil, fmt.Errorf("%w: unsupported sealed key version 0x%02x", crypto.ErrKeyFormat, data[0])
	}

	kdf, err := kdfName(data[1])
	if err != nil {
		return nil, err
	}
	aeadAlg, err := aeadName(data[2])
	if err != nil {
		return nil, err
	}

	header := data[:sealedHeaderSize]
	salt := header[3:]

	kek := deriveSealKey(s.passphrase, salt, kdf)
	defer crypto.KeyMaterial(kek).Zero()

	aead, err := crypto.NewAEAD(aeadAlg, kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrKeyFormat, err)
	}

	body := data[sealedHeaderSize:]
	if len(body) != aead.NonceSize()+crypto.KeySize+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed key %s has unexpected length %d", crypto.ErrKeyFormat, s.path, len(data))
	}

	nonce := body[:aead.NonceSize()]
	sealed := body[aead.NonceSize():]

	opened, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unseal key (wrong passphrase or corrupted store): %w", crypto.ErrIntegrity, err)
	}

	key := crypto.KeyMaterial(opened)
	if !key.Valid() {
		key.Zero()
		return nil, fmt.Errorf("%w: unsealed key has %d bytes, expected %d", crypto.ErrKeyFormat, len(opened), crypto.KeySize)
	}
	return key, nil
}

// Persist implements Store.
func (s *SealedStore) Persist(key crypto.KeyMaterial, overwrite bool) error {
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

	kid, err := kdfID(s.kdf)
	if err != nil {
		return err
	}
	aid, err := aeadID(s.aead)
	if err != nil {
		return err
	}

	salt := make([]byte, sealedSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("%w: failed to generate seal salt: %w", crypto.ErrGeneration, err)
	}

	kek := deriveSealKey(s.passphrase, salt, s.kdf)
	defer crypto.KeyMaterial(kek).Zero()

	aead, err := crypto.NewAEAD(s.aead, kek)
	if err != nil {
		return fmt.Errorf("%w: %w", crypto.ErrKeyFormat, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: failed to generate seal nonce: %w", crypto.ErrGeneration, err)
	}

	header := make([]byte, 0, sealedHeaderSize)
	header = append(header, sealedVersion, kid, aid)
	header = append(header, salt...)

	sealed := aead.Seal(nil, nonce, key, header)

	buf := make([]byte, 0, len(header)+len(nonce)+len(sealed))
	buf = append(buf, header...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	return writeKeyFile(s.path, buf)
}

func deriveSealKey(passphrase, salt []byte, kdf string) []byte {
	switch kdf {
	case KDFArgon2id:
		return argon2.IDKey(passphrase, salt, argon2Time, argon2MemoryK, argon2Threads, crypto.KeySize)
	default:
		return pbkdf2.Key(passphrase, salt, crypto.DefaultIterations, crypto.KeySize, sha256.New)
	}
}

func kdfID(name string) (byte, error) {
	switch name {
	case KDFArgon2id:
		return kdfIDArgon2id, nil
	case KDFPBKDF2SHA256:
		return kdfIDPBKDF2, nil
	default:
		return 0, fmt.Errorf("%w: unsupported seal KDF: %s", crypto.ErrKeyFormat, name)
	}
}

func kdfName(id byte) (string, error) {
	switch id {
	case kdfIDArgon2id:
		return KDFArgon2id, nil
	case kdfIDPBKDF2:
		return KDFPBKDF2SHA256, nil
	default:
		return "", fmt.Errorf("%w: unknown seal KDF id 0x%02x", crypto.ErrKeyFormat, id)
	}
}

func aeadID(name string) (byte, error) {
	switch name {
	case crypto.AEADXChaCha20Poly1305:
		return aeadIDXChaCha20Poly1305, nil
	case crypto.AEADAES256GCM:
		return aeadIDAES256GCM, nil
	default:
		return 0, fmt.Errorf("%w: unsupported seal cipher: %s", crypto.ErrKeyFormat, name)
	}
}

func aeadName(id byte) (string, error) {
	switch id {
	case aeadIDXChaCha20Poly1305:
		return crypto.AEADXChaCha20Poly1305, nil
	case aeadIDAES256GCM:
		return crypto.AEADAES256GCM, nil
	default:
		return "", fmt.Errorf("%w: unknown seal cipher id 0x%02x", crypto.ErrKeyFormat, id)
	}
}
