package keystore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/filecrypt/internal/crypto"
)

// paramsFile is the on-disk YAML shape of derivation parameters. The salt is
// base64url encoded so the file stays a single readable document.
type paramsFile struct {
	Algorithm  string `yaml:"algorithm"`
	Salt       string `yaml:"salt"`
	Iterations int    `yaml:"iterations"`
}

// SaveDeriveParams persists derivation parameters next to a password based
// key workflow. Reusing the persisted salt is what makes the derived key
// reproducible across runs.
func SaveDeriveParams(path string, params crypto.DerivationParameters) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", crypto.ErrKeyFormat, err)
	}

	data, err := yaml.Marshal(paramsFile{
		Algorithm:  params.Algorithm,
		Salt:       base64.RawURLEncoding.EncodeToString(params.Salt),
		Iterations: params.Iterations,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to encode derivation parameters: %w", crypto.ErrIO, err)
	}

	return writeKeyFile(path, data)
}

// LoadDeriveParams reads previously persisted derivation parameters.
func LoadDeriveParams(path string) (crypto.DerivationParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return crypto.DerivationParameters{}, fmt.Errorf("%w: no derivation parameters at %s", crypto.ErrKeyNotFound, path)
		}
		return crypto.DerivationParameters{}, fmt.Errorf("%w: failed to read derivation parameters %s: %w", crypto.ErrIO, path, err)
	}

	var pf paramsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return crypto.DerivationParameters{}, fmt.Errorf("%w: derivation parameters %s are not valid YAML: %w", crypto.ErrKeyFormat, path, err)
	}

	salt, err := base64.RawURLEncoding.DecodeString(pf.Salt)
	if err != nil {
		return crypto.DerivationParameters{}, fmt.Errorf("%w: derivation salt in %s is not valid base64: %w", crypto.ErrKeyFormat, path, err)
	}

	params := crypto.DerivationParameters{
		Algorithm:  pf.Algorithm,
		Salt:       salt,
		Iterations: pf.Iterations,
	}
	if err := params.Validate(); err != nil {
		return crypto.DerivationParameters{}, fmt.Errorf("%w: %w", crypto.ErrKeyFormat, err)
	}
	return params, nil
}

// LoadOrCreateDeriveParams loads persisted parameters, creating and saving
// fresh ones when none exist. A positive iterations count overrides the
// default on creation; persisted parameters always win so existing keys
// stay reproducible. The returned bool reports whether new parameters
// were created.
func LoadOrCreateDeriveParams(path string, iterations int) (crypto.DerivationParameters, bool, error) {
	params, err := LoadDeriveParams(path)
	if err == nil {
		return params, false, nil
	}
	if !errors.Is(err, crypto.ErrKeyNotFound) {
		return crypto.DerivationParameters{}, false, err
	}

	params, err = crypto.NewDerivationParameters()
	if err != nil {
		return crypto.DerivationParameters{}, false, err
	}
	if iterations > 0 {
		params.Iterations = iterations
	}
	if err := SaveDeriveParams(path, params); err != nil {
		return crypto.DerivationParameters{}, false, err
	}
	return params, true, nil
}
