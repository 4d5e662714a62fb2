package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"testing"
)

func testKey(t testing.TB) KeyMaterial {
	t.Helper()
	key := make(KeyMaterial, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEngine_EncryptDecrypt(t *testing.T) {
	engine := NewEngine(nil)
	key := testKey(t)

	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "small data",
			data: []byte("Hello, World!"),
		},
		{
			name: "empty data",
			data: []byte{},
		},
		{
			name: "one byte",
			data: []byte{0x42},
		},
		{
			name: "one block minus one",
			data: bytes.Repeat([]byte{0x7F}, aes.BlockSize-1),
		},
		{
			name: "exactly one block",
			data: bytes.Repeat([]byte{0x7F}, aes.BlockSize),
		},
		{
			name: "one block plus one",
			data: bytes.Repeat([]byte{0x7F}, aes.BlockSize+1),
		},
		{
			name: "medium data",
			data: make([]byte, 1024),
		},
		{
			name: "large data",
			data: make([]byte, 64*1024),
		},
		{
			name: "binary data",
			data: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := engine.Encrypt(key, tt.data)
			if err != nil {
				t.Fatalf("Encrypt() error: %v", err)
			}

			if token.Version != TokenVersion {
				t.Errorf("Encrypt() token version = 0x%02x, want 0x%02x", token.Version, TokenVersion)
			}
			wantLen := (len(tt.data)/aes.BlockSize + 1) * aes.BlockSize
			if len(token.Ciphertext) != wantLen {
				t.Errorf("Encrypt() ciphertext length = %d, want %d", len(token.Ciphertext), wantLen)
			}

			plaintext, err := engine.Decrypt(key, token)
			if err != nil {
				t.Fatalf("Decrypt() error: %v", err)
			}
			if !bytes.Equal(plaintext, tt.data) {
				t.Errorf("Decrypt() round trip mismatch: got %d bytes, want %d bytes", len(plaintext), len(tt.data))
			}
		})
	}
}

func TestEngine_EncryptProducesFreshTokens(t *testing.T) {
	engine := NewEngine(nil)
	key := testKey(t)
	data := []byte("same plaintext every time")

	first, err := engine.Encrypt(key, data)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	second, err := engine.Encrypt(key, data)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if bytes.Equal(first.Salt, second.Salt) {
		t.Errorf("Encrypt() reused the token salt across calls")
	}
	if bytes.Equal(first.IV, second.IV) {
		t.Errorf("Encrypt() reused the IV across calls")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Errorf("Encrypt() produced identical ciphertext for independent calls")
	}
}

func TestEngine_DecryptWrongKey(t *testing.T) {
	engine := NewEngine(nil)
	key := testKey(t)

	otherKey := make(KeyMaterial, KeySize)
	copy(otherKey, key)
	otherKey[0] ^= 0xFF

	token, err := engine.Encrypt(key, []byte("secret contents"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	plaintext, err := engine.Decrypt(otherKey, token)
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrIntegrity", err)
	}
	if plaintext != nil {
		t.Errorf("Decrypt() with wrong key returned plaintext")
	}
}

func TestEngine_DecryptFailClosed(t *testing.T) {
	engine := NewEngine(nil)
	key := testKey(t)

	token, err := engine.Encrypt(key, []byte("tamper target"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	raw := token.Marshal()

	// Flipping any single bit anywhere in the token must block decryption.
	// The version byte fails format validation; every other byte fails the
	// authentication check.
	for i := 0; i < len(raw); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), raw...)
			corrupted[i] ^= 1 << bit

			plaintext, err := engine.DecryptBytes(key, corrupted)
			if plaintext != nil {
				t.Fatalf("DecryptBytes() returned plaintext for bit %d of byte %d", bit, i)
			}
			if i == 0 {
				if !errors.Is(err, ErrFormat) {
					t.Fatalf("DecryptBytes() version corruption error = %v, want ErrFormat", err)
				}
			} else if !errors.Is(err, ErrIntegrity) {
				t.Fatalf("DecryptBytes() corruption at byte %d error = %v, want ErrIntegrity", i, err)
			}
		}
	}
}

func TestEngine_DecryptPaddingError(t *testing.T) {
	engine := NewEngine(nil)
	key := testKey(t)

	salt := bytes.Repeat([]byte{0x01}, TokenSaltSize)
	iv := bytes.Repeat([]byte{0x02}, TokenIVSize)

	encKey, macKey, err := subKeys(key, salt)
	if err != nil {
		t.Fatalf("subKeys() error: %v", err)
	}

	// A block whose final byte is zero decrypts to an impossible padding
	// length, so the tag verifies but unpadding must fail.
	block := bytes.Repeat([]byte{0xAA}, aes.BlockSize)
	block[aes.BlockSize-1] = 0x00

	c, err := aes.NewCipher(encKey)
	if err != nil {
		t.Fatalf("NewCipher() error: %v", err)
	}
	ciphertext := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(c, iv).CryptBlocks(ciphertext, block)

	token := &Token{
		Version:    TokenVersion,
		Salt:       salt,
		IV:         iv,
		Ciphertext: ciphertext,
	}
	token.Tag = computeTag(macKey, token)

	plaintext, err := engine.Decrypt(key, token)
	if !errors.Is(err, ErrPadding) {
		t.Errorf("Decrypt() error = %v, want ErrPadding", err)
	}
	if plaintext != nil {
		t.Errorf("Decrypt() returned plaintext despite malformed padding")
	}
}

func TestEngine_InvalidKeyLength(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name string
		key  KeyMaterial
	}{
		{
			name: "nil key",
			key:  nil,
		},
		{
			name: "short key",
			key:  make(KeyMaterial, KeySize-1),
		},
		{
			name: "long key",
			key:  make(KeyMaterial, KeySize+1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.Encrypt(tt.key, []byte("data")); !errors.Is(err, ErrKeyFormat) {
				t.Errorf("Encrypt() error = %v, want ErrKeyFormat", err)
			}

			token, err := engine.Encrypt(testKey(t), []byte("data"))
			if err != nil {
				t.Fatalf("Encrypt() error: %v", err)
			}
			if _, err := engine.Decrypt(tt.key, token); !errors.Is(err, ErrKeyFormat) {
				t.Errorf("Decrypt() error = %v, want ErrKeyFormat", err)
			}
		})
	}
}

func TestEngine_EncryptDecryptBytes(t *testing.T) {
	engine := NewEngine(nil)
	key := testKey(t)
	data := []byte("raw byte round trip")

	raw, err := engine.EncryptBytes(key, data)
	if err != nil {
		t.Fatalf("EncryptBytes() error: %v", err)
	}
	if len(raw) < MinTokenSize {
		t.Fatalf("EncryptBytes() produced %d bytes, want at least %d", len(raw), MinTokenSize)
	}

	plaintext, err := engine.DecryptBytes(key, raw)
	if err != nil {
		t.Fatalf("DecryptBytes() error: %v", err)
	}
	if !bytes.Equal(plaintext, data) {
		t.Errorf("DecryptBytes() round trip mismatch")
	}
}
