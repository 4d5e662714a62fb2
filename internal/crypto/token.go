package crypto

import (
	"crypto/aes"
	"crypto/sha256"
	"fmt"
)

// Token field widths. The serialized layout is
//
//	[version:1][salt:16][iv:16][ciphertext:16*n][tag:32]
//
// with fixed-width fields everywhere except the ciphertext, which is a
// positive multiple of the AES block size.
const (
	// TokenVersion is the only format version this build produces or accepts.
	TokenVersion = 0x01

	TokenSaltSize = 16
	TokenIVSize   = aes.BlockSize
	TokenTagSize  = sha256.Size

	tokenHeaderSize = 1 + TokenSaltSize + TokenIVSize

	// MinTokenSize is the smallest well-formed token: header, one ciphertext
	// block, and the authentication tag.
	MinTokenSize = tokenHeaderSize + aes.BlockSize + TokenTagSize
)

// Token is the self-describing ciphertext structure produced by the engine.
// It carries everything needed to verify and decrypt it given the right key.
type Token struct {
	Version    byte
	Salt       []byte
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// ParseToken deserializes and validates a token. All fields are copied
// out of the input, so the caller may reuse the slice afterwards.
func ParseToken(data []byte) (*Token, error) {
	if len(data) < MinTokenSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrFormat, len(data), MinTokenSize)
	}
	if data[0] != TokenVersion {
		return nil, fmt.Errorf("%w: unsupported format version 0x%02x", ErrFormat, data[0])
	}
	ctLen := len(data) - tokenHeaderSize - TokenTagSize
	if ctLen%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrFormat, ctLen)
	}

	off := 1
	salt := append([]byte(nil), data[off:off+TokenSaltSize]...)
	off += TokenSaltSize
	iv := append([]byte(nil), data[off:off+TokenIVSize]...)
	off += TokenIVSize
	ciphertext := append([]byte(nil), data[off:off+ctLen]...)
	off += ctLen
	tag := append([]byte(nil), data[off:]...)

	return &Token{
		Version:    data[0],
		Salt:       salt,
		IV:         iv,
		Ciphertext: ciphertext,
		Tag:        tag,
	}, nil
}

// Marshal serializes the token into its on-disk layout.
func (t *Token) Marshal() []byte {
	out := make([]byte, 0, t.Size())
	out = append(out, t.Version)
	out = append(out, t.Salt...)
	out = append(out, t.IV...)
	out = append(out, t.Ciphertext...)
	out = append(out, t.Tag...)
	return out
}

// Size returns the serialized length in bytes.
func (t *Token) Size() int {
	return tokenHeaderSize + len(t.Ciphertext) + TokenTagSize
}

// LooksLikeToken reports whether a file of the given size whose first
// byte is first could hold a well-formed token. It checks only the
// format version and the length arithmetic, so it is cheap enough to
// run over whole trees without reading file contents.
func LooksLikeToken(first byte, size int64) bool {
	if size < int64(MinTokenSize) {
		return false
	}
	if first != TokenVersion {
		return false
	}
	return (size-int64(tokenHeaderSize)-int64(TokenTagSize))%int64(aes.BlockSize) == 0
}

// authInput returns the serialized prefix covered by the authentication tag:
// everything before the tag, version byte included.
func (t *Token) authInput() []byte {
	out := make([]byte, 0, tokenHeaderSize+len(t.Ciphertext))
	out = append(out, t.Version)
	out = append(out, t.Salt...)
	out = append(out, t.IV...)
	out = append(out, t.Ciphertext...)
	return out
}
