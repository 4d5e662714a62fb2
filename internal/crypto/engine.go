package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// subkeyInfo binds HKDF-derived subkeys to this token format. Changing it
// would invalidate every existing token, so it is part of format v1.
const subkeyInfo = "filecrypt/v1/subkeys"

// Engine performs authenticated encryption and decryption of in-memory byte
// buffers into and from tokens. Authentication is always checked before any
// block is decrypted, so corrupted or forged tokens never leak partial
// plaintext.
//
// An Engine is stateless apart from its logger and is safe for concurrent
// use. Key material is passed into every call.
type Engine struct {
	logger *logrus.Logger
}

// NewEngine creates an engine. A nil logger falls back to a default logger.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{logger: logger}
}

// subKeys expands KeyMaterial into independent encryption and MAC keys bound
// to the token salt, so every token encrypts under its own key pair and the
// cipher and MAC never share a key.
func subKeys(key KeyMaterial, salt []byte) (encKey, macKey []byte, err error) {
	r := hkdf.New(sha256.New, key, salt, []byte(subkeyInfo))
	buf := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("failed to expand subkeys: %w", err)
	}
	return buf[:KeySize], buf[KeySize:], nil
}

// computeTag authenticates the serialized token prefix, version byte included.
func computeTag(macKey []byte, t *Token) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(t.authInput())
	return mac.Sum(nil)
}

// Encrypt seals plaintext into a fresh token under key. A new random salt and
// IV are drawn for every call, so encrypting the same plaintext twice yields
// unrelated tokens. The plaintext may be empty; it pads to a whole block
// either way. No I/O happens here.
func (e *Engine) Encrypt(key KeyMaterial, plaintext []byte) (*Token, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyFormat, KeySize, len(key))
	}

	salt := make([]byte, TokenSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: failed to generate token salt: %w", ErrGeneration, err)
	}
	iv := make([]byte, TokenIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: failed to generate iv: %w", ErrGeneration, err)
	}

	encKey, macKey, err := subKeys(key, salt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(encKey)
	defer zeroBytes(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	padded, err := pkcs7Pad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(padded)

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	token := &Token{
		Version:    TokenVersion,
		Salt:       salt,
		IV:         iv,
		Ciphertext: ciphertext,
	}
	token.Tag = computeTag(macKey, token)

	e.logger.WithFields(logrus.Fields{
		"plaintext_bytes": len(plaintext),
		"token_bytes":     token.Size(),
	}).Debug("encrypted buffer")

	return token, nil
}

// Decrypt verifies and opens a token. The authentication tag is recomputed
// over the full serialized prefix and compared in constant time strictly
// before any decryption; on mismatch it returns ErrIntegrity and nothing has
// been decrypted. Malformed padding after a verified decryption returns
// ErrPadding.
func (e *Engine) Decrypt(key KeyMaterial, token *Token) ([]byte, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyFormat, KeySize, len(key))
	}
	if token == nil {
		return nil, fmt.Errorf("%w: nil token", ErrFormat)
	}
	if token.Version != TokenVersion {
		return nil, fmt.Errorf("%w: unsupported format version 0x%02x", ErrFormat, token.Version)
	}
	if len(token.Salt) != TokenSaltSize || len(token.IV) != TokenIVSize || len(token.Tag) != TokenTagSize {
		return nil, fmt.Errorf("%w: wrong field widths", ErrFormat)
	}
	if len(token.Ciphertext) == 0 || len(token.Ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of the block size", ErrFormat, len(token.Ciphertext))
	}

	encKey, macKey, err := subKeys(key, token.Salt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(encKey)
	defer zeroBytes(macKey)

	if !hmac.Equal(computeTag(macKey, token), token.Tag) {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrIntegrity)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	padded := make([]byte, len(token.Ciphertext))
	cipher.NewCBCDecrypter(block, token.IV).CryptBlocks(padded, token.Ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		zeroBytes(padded)
		return nil, err
	}

	out := append([]byte(nil), plaintext...)
	zeroBytes(padded)

	e.logger.WithFields(logrus.Fields{
		"token_bytes":     token.Size(),
		"plaintext_bytes": len(out),
	}).Debug("decrypted token")

	return out, nil
}

// EncryptBytes is Encrypt followed by serialization, for callers that only
// handle raw token bytes.
func (e *Engine) EncryptBytes(key KeyMaterial, plaintext []byte) ([]byte, error) {
	token, err := e.Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return token.Marshal(), nil
}

// DecryptBytes parses raw token bytes and decrypts them.
func (e *Engine) DecryptBytes(key KeyMaterial, data []byte) ([]byte, error) {
	token, err := ParseToken(data)
	if err != nil {
		return nil, err
	}
	return e.Decrypt(key, token)
}

// zeroBytes overwrites b with zeros.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
