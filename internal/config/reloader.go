package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces bursts of file events from editors that
// write configs in several steps.
const reloadDebounce = 100 * time.Millisecond

// ReloadCallback is invoked after a new configuration passed validation
// and reload safety checks. Returning an error keeps the old configuration.
type ReloadCallback func(oldConfig, newConfig *Config) error

// ConfigReloader reloads the configuration on SIGHUP and on changes to
// the config file. Fields that would change loaded key material or the
// token format are rejected during hot reload.
type ConfigReloader struct {
	configPath string
	logger     *logrus.Logger

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback

	watcher  *fsnotify.Watcher
	sighup   chan os.Signal
	done     chan struct{}
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for the given config file path.
// An empty path disables file watching and leaves SIGHUP handling only.
func NewConfigReloader(configPath string, current *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.New()
	}

	r := &ConfigReloader{
		configPath: configPath,
		logger:     logger,
		current:    current,
		sighup:     make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}

	if configPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory, not the file: editors replace files by
		// rename, which drops a watch on the file itself.
		if err := watcher.Add(filepath.Dir(configPath)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sighup, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the callback invoked on successful reloads.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := *r.current
	cfg.Policies = make([]Policy, len(r.current.Policies))
	copy(cfg.Policies, r.current.Policies)
	return &cfg
}

// Start runs the reload loop. It blocks until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errors chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errors = r.watcher.Errors
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-r.sighup:
			r.logger.Info("received SIGHUP, reloading configuration")
			r.reload()
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			r.logger.WithField("path", r.configPath).Info("config file changed, reloading configuration")
			r.reload()
		case err, ok := <-errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("config watcher error")
		}
	}
}

// Stop stops the reload loop and releases the watcher and signal handler.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.sighup)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	newConfig, err := LoadConfig(r.configPath)
	if err != nil {
		r.logger.WithError(err).Warn("config reload failed, keeping current configuration")
		return
	}

	r.mu.RLock()
	oldConfig := r.current
	cb := r.onReload
	r.mu.RUnlock()

	if err := r.validateReloadSafety(oldConfig, newConfig); err != nil {
		r.logger.WithError(err).Warn("config reload rejected, keeping current configuration")
		return
	}

	if cb != nil {
		if err := cb(oldConfig, newConfig); err != nil {
			r.logger.WithError(err).Error("config reload callback failed, keeping current configuration")
			return
		}
	}

	r.mu.Lock()
	r.current = newConfig
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"log_level": newConfig.LogLevel,
		"policies":  len(newConfig.Policies),
	}).Info("configuration reloaded")
}

// validateReloadSafety rejects changes that cannot take effect without a
// restart: anything affecting loaded key material, the token format, or
// resources bound at startup.
func (r *ConfigReloader) validateReloadSafety(old, updated *Config) error {
	if old.Encryption.Password != updated.Encryption.Password {
		return fmt.Errorf("encryption.password cannot be changed during hot reload")
	}
	if old.Encryption.KeyFile != updated.Encryption.KeyFile {
		return fmt.Errorf("encryption.key_file cannot be changed during hot reload")
	}
	if old.Encryption.ParamsFile != updated.Encryption.ParamsFile {
		return fmt.Errorf("encryption.params_file cannot be changed during hot reload")
	}
	if old.Encryption.Suite != updated.Encryption.Suite {
		return fmt.Errorf("encryption.suite cannot be changed during hot reload")
	}
	if old.Encryption.Iterations != updated.Encryption.Iterations {
		return fmt.Errorf("encryption.iterations cannot be changed during hot reload")
	}
	if old.Encryption.Sealed != updated.Encryption.Sealed {
		return fmt.Errorf("encryption.sealed cannot be changed during hot reload")
	}
	if old.Encryption.SealedPassphrase != updated.Encryption.SealedPassphrase {
		return fmt.Errorf("encryption.sealed_passphrase cannot be changed during hot reload")
	}
	if old.Watch.Enabled != updated.Watch.Enabled {
		return fmt.Errorf("watch.enabled cannot be changed during hot reload")
	}
	if old.Watch.Dir != updated.Watch.Dir {
		return fmt.Errorf("watch.dir cannot be changed during hot reload")
	}
	if old.Ops.Enabled != updated.Ops.Enabled {
		return fmt.Errorf("ops.enabled cannot be changed during hot reload")
	}
	if old.Ops.ListenAddr != updated.Ops.ListenAddr {
		return fmt.Errorf("ops.listen_addr cannot be changed during hot reload")
	}
	return nil
}
