package crypto

import "errors"

// Sentinel errors for every failure kind the engine and key stores can
// produce. Callers classify with errors.Is or the Is* helpers below rather
// than matching message strings.
var (
	// ErrGeneration indicates the secure random source failed.
	ErrGeneration = errors.New("crypto: random source unavailable")

	// ErrKeyNotFound indicates the key store holds no key at the given location.
	ErrKeyNotFound = errors.New("crypto: key not found")

	// ErrKeyFormat indicates key material with a wrong length or encoding.
	ErrKeyFormat = errors.New("crypto: malformed key")

	// ErrIntegrity indicates an authentication tag mismatch. No plaintext is
	// ever produced alongside this error.
	ErrIntegrity = errors.New("crypto: integrity verification failed")

	// ErrPadding indicates malformed padding found after a verified decryption.
	ErrPadding = errors.New("crypto: invalid padding")

	// ErrFormat indicates a malformed or unsupported token.
	ErrFormat = errors.New("crypto: malformed token")

	// ErrIO indicates a filesystem failure.
	ErrIO = errors.New("crypto: i/o failure")
)

// IsGeneration reports whether err is a random source failure.
func IsGeneration(err error) bool { return errors.Is(err, ErrGeneration) }

// IsKeyNotFound reports whether err means the key store is empty or missing.
func IsKeyNotFound(err error) bool { return errors.Is(err, ErrKeyNotFound) }

// IsKeyFormat reports whether err is a malformed key.
func IsKeyFormat(err error) bool { return errors.Is(err, ErrKeyFormat) }

// IsIntegrity reports whether err is an authentication failure.
func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }

// IsPadding reports whether err is a padding failure.
func IsPadding(err error) bool { return errors.Is(err, ErrPadding) }

// IsFormat reports whether err is a malformed token.
func IsFormat(err error) bool { return errors.Is(err, ErrFormat) }

// IsIO reports whether err is a filesystem failure.
func IsIO(err error) bool { return errors.Is(err, ErrIO) }

// IsFatal reports whether err is a key lifecycle failure. Without a valid key
// no further file can be processed correctly, so batch processing aborts on
// these instead of recording them and moving on.
func IsFatal(err error) bool {
	return errors.Is(err, ErrGeneration) ||
		errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrKeyFormat)
}

// ErrorKind maps err onto a stable label for metrics and audit records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrPadding):
		return "padding"
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrKeyFormat):
		return "key_format"
	case errors.Is(err, ErrGeneration):
		return "generation"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "other"
	}
}
