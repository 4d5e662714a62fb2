package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SuiteAES256CBCHMACSHA256 is the token cipher suite for format v1:
	// AES-256 in CBC mode with an HMAC-SHA256 tag over the serialized prefix.
	SuiteAES256CBCHMACSHA256 = "AES256-CBC-HMAC-SHA256"

	// Sealing algorithms protect key material at rest. They never appear
	// inside tokens; only the key store uses them.
	AEADXChaCha20Poly1305 = "XChaCha20-Poly1305"
	AEADAES256GCM         = "AES256-GCM"
)

// SupportedSuites returns the token cipher suites this build understands.
func SupportedSuites() []string {
	return []string{SuiteAES256CBCHMACSHA256}
}

// IsSuiteSupported checks if a token cipher suite is supported.
func IsSuiteSupported(suite string) bool {
	for _, s := range SupportedSuites() {
		if s == suite {
			return true
		}
	}
	return false
}

// SupportedAEADs returns the sealing algorithms available for key stores.
func SupportedAEADs() []string {
	return []string{AEADXChaCha20Poly1305, AEADAES256GCM}
}

// IsAEADSupported checks if a sealing algorithm is supported.
func IsAEADSupported(name string) bool {
	for _, a := range SupportedAEADs() {
		if a == name {
			return true
		}
	}
	return false
}

// AEADCipher is an interface that wraps cipher.AEAD with its algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

// xchachaCipher wraps cipher.AEAD with its algorithm name.
type xchachaCipher struct {
	cipher.AEAD
}

func (c *xchachaCipher) Algorithm() string {
	return AEADXChaCha20Poly1305
}

// aesGCMCipher wraps cipher.AEAD with its algorithm name.
type aesGCMCipher struct {
	cipher.AEAD
}

func (c *aesGCMCipher) Algorithm() string {
	return AEADAES256GCM
}

// NewAEAD creates a sealing cipher for the given algorithm and a 32-byte key.
func NewAEAD(name string, key []byte) (AEADCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid sealing key size: expected %d bytes, got %d", KeySize, len(key))
	}

	switch name {
	case AEADXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
		}
		return &xchachaCipher{AEAD: aead}, nil

	case AEADAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return &aesGCMCipher{AEAD: gcm}, nil

	default:
		return nil, fmt.Errorf("unsupported sealing algorithm: %s", name)
	}
}
