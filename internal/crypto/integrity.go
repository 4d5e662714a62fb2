package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// digestChunkSize is the read size for streaming file digests.
const digestChunkSize = 4096

// DigestSize is the length of a content digest in bytes.
const DigestSize = sha256.Size

// Verifier computes and checks content digests. This is an application-level
// integrity check layered on top of the token's own authentication tag, not a
// replacement for it; round-trip validation and pre-image checks go through
// here.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Digest returns the SHA-256 digest of data.
func (v *Verifier) Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Verify reports whether data hashes to expected, comparing in constant time.
func (v *Verifier) Verify(data, expected []byte) bool {
	return v.VerifyDigest(v.Digest(data), expected)
}

// VerifyDigest compares two digests in constant time.
func (v *Verifier) VerifyDigest(digest, expected []byte) bool {
	if len(digest) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(digest, expected) == 1
}

// DigestFile streams a file through SHA-256 in fixed-size chunks, so digesting
// does not load the whole file.
func (v *Verifier) DigestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", ErrIO, path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, digestChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrIO, path, err)
	}
	return h.Sum(nil), nil
}

// EncodeDigest renders a digest as lowercase hex.
func (v *Verifier) EncodeDigest(digest []byte) string {
	return hex.EncodeToString(digest)
}
