package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigReloader(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise

	// Test with valid config and no file (SIGHUP only)
	cfg := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()

	// Test with temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	err = os.WriteFile(configPath, []byte("log_level: info\n"), 0644)
	require.NoError(t, err)

	reloader, err = NewConfigReloader(configPath, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()
}

func TestConfigReloader_FileWatching(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	// Write initial config
	initialYAML := `log_level: info
encryption:
  key_file: /tmp/filecrypt-test.key
rate_limit:
  enabled: false
`
	err := os.WriteFile(configPath, []byte(initialYAML), 0644)
	require.NoError(t, err)

	// Load initial config (this will set defaults)
	initialConfig, err := LoadConfig(configPath)
	require.NoError(t, err)

	// Create reloader
	reloader, err := NewConfigReloader(configPath, initialConfig, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	// Set up callback tracking
	var callbackCalled int64
	var firstCallbackOld, firstCallbackNew *Config
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		callCount := atomic.AddInt64(&callbackCalled, 1)
		if callCount == 1 { // Capture first call
			firstCallbackOld = old
			firstCallbackNew = new
		}
		return nil
	})

	// Start reloader in background
	go reloader.Start()

	// Wait a bit for watcher to start
	time.Sleep(100 * time.Millisecond)

	// Modify config file. The encryption section must stay identical or
	// the reload safety check rejects the new config.
	updatedYAML := `log_level: debug
encryption:
  key_file: /tmp/filecrypt-test.key
rate_limit:
  enabled: true
  limit: 200
  window: 120s
`
	err = os.WriteFile(configPath, []byte(updatedYAML), 0644)
	require.NoError(t, err)

	// Wait for debounce and reload
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&callbackCalled) >= 1
	}, 2*time.Second, 25*time.Millisecond, "callback should have been called at least once")

	assert.NotNil(t, firstCallbackOld)
	assert.NotNil(t, firstCallbackNew)
	assert.Equal(t, "info", firstCallbackOld.LogLevel)
	assert.Equal(t, "debug", firstCallbackNew.LogLevel)

	current := reloader.GetCurrentConfig()
	assert.Equal(t, "debug", current.LogLevel)
	assert.True(t, current.RateLimit.Enabled)
	assert.Equal(t, 200, current.RateLimit.Limit)
}

func TestConfigReloader_RejectsUnsafeChange(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	initialYAML := `log_level: info
encryption:
  key_file: /tmp/filecrypt-test.key
`
	err := os.WriteFile(configPath, []byte(initialYAML), 0644)
	require.NoError(t, err)

	initialConfig, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initialConfig, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	var callbackCalled int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&callbackCalled, 1)
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	// Changing the key file requires a restart, so the reload must be
	// rejected and the current config kept.
	updatedYAML := `log_level: debug
encryption:
  key_file: /tmp/other.key
`
	err = os.WriteFile(configPath, []byte(updatedYAML), 0644)
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, int64(0), atomic.LoadInt64(&callbackCalled))
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
	assert.Equal(t, "/tmp/filecrypt-test.key", reloader.GetCurrentConfig().Encryption.KeyFile)
}

func TestConfigReloader_SIGHUP(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// SIGHUP with an empty config path reloads from defaults and
	// environment only.
	os.Setenv("FILECRYPT_KEY_FILE", "/tmp/filecrypt-test.key")
	defer os.Unsetenv("FILECRYPT_KEY_FILE")

	initialConfig, err := LoadConfig("")
	require.NoError(t, err)

	reloader, err := NewConfigReloader("", initialConfig, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	var callbackCalled int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&callbackCalled, 1)
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	// Send SIGHUP
	pid := os.Getpid()
	process, err := os.FindProcess(pid)
	require.NoError(t, err)
	err = process.Signal(syscall.SIGHUP)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&callbackCalled) >= 1
	}, 2*time.Second, 25*time.Millisecond, "SIGHUP should trigger a reload")
}

func TestValidateReloadSafety(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &Config{}
	reloader, err := NewConfigReloader("", cfg, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	tests := []struct {
		name        string
		oldConfig   *Config
		newConfig   *Config
		expectError bool
		errorMsg    string
	}{
		{
			name: "safe changes allowed",
			oldConfig: &Config{
				LogLevel: "info",
				Cache:    CacheConfig{MaxEntries: 100},
			},
			newConfig: &Config{
				LogLevel: "debug",
				Cache:    CacheConfig{MaxEntries: 200},
			},
			expectError: false,
		},
		{
			name: "policy changes allowed",
			oldConfig: &Config{
				Policies: []Policy{{ID: "a", Paths: []string{"*"}}},
			},
			newConfig: &Config{
				Policies: []Policy{{ID: "b", Paths: []string{"docs/*"}}},
			},
			expectError: false,
		},
		{
			name: "password change rejected",
			oldConfig: &Config{
				Encryption: EncryptionConfig{Password: "oldpass"},
			},
			newConfig: &Config{
				Encryption: EncryptionConfig{Password: "newpass"},
			},
			expectError: true,
			errorMsg:    "encryption.password cannot be changed during hot reload",
		},
		{
			name: "key file change rejected",
			oldConfig: &Config{
				Encryption: EncryptionConfig{KeyFile: "/old/key"},
			},
			newConfig: &Config{
				Encryption: EncryptionConfig{KeyFile: "/new/key"},
			},
			expectError: true,
			errorMsg:    "encryption.key_file cannot be changed during hot reload",
		},
		{
			name: "suite change rejected",
			oldConfig: &Config{
				Encryption: EncryptionConfig{Suite: "AES256-CBC-HMAC-SHA256"},
			},
			newConfig: &Config{
				Encryption: EncryptionConfig{Suite: "AES256-GCM"},
			},
			expectError: true,
			errorMsg:    "encryption.suite cannot be changed during hot reload",
		},
		{
			name: "iterations change rejected",
			oldConfig: &Config{
				Encryption: EncryptionConfig{Iterations: 100000},
			},
			newConfig: &Config{
				Encryption: EncryptionConfig{Iterations: 200000},
			},
			expectError: true,
			errorMsg:    "encryption.iterations cannot be changed during hot reload",
		},
		{
			name: "sealed toggle rejected",
			oldConfig: &Config{
				Encryption: EncryptionConfig{Sealed: false},
			},
			newConfig: &Config{
				Encryption: EncryptionConfig{Sealed: true},
			},
			expectError: true,
			errorMsg:    "encryption.sealed cannot be changed during hot reload",
		},
		{
			name: "watch dir change rejected",
			oldConfig: &Config{
				Watch: WatchConfig{Enabled: true, Dir: "/old/dropbox"},
			},
			newConfig: &Config{
				Watch: WatchConfig{Enabled: true, Dir: "/new/dropbox"},
			},
			expectError: true,
			errorMsg:    "watch.dir cannot be changed during hot reload",
		},
		{
			name: "ops listen addr change rejected",
			oldConfig: &Config{
				Ops: OpsConfig{Enabled: true, ListenAddr: ":9090"},
			},
			newConfig: &Config{
				Ops: OpsConfig{Enabled: true, ListenAddr: ":9091"},
			},
			expectError: true,
			errorMsg:    "ops.listen_addr cannot be changed during hot reload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reloader.validateReloadSafety(tt.oldConfig, tt.newConfig)
			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	originalConfig := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", originalConfig, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	// Get current config
	current := reloader.GetCurrentConfig()
	assert.Equal(t, "info", current.LogLevel)

	// Modify returned config (should not affect internal state)
	current.LogLevel = "debug"
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}
