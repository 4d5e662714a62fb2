package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/filecrypt/internal/crypto"
	"github.com/kenneth/filecrypt/internal/keystore"
)

// Config holds the complete application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level" env:"FILECRYPT_LOG_LEVEL"`
	LogFormat  string           `yaml:"log_format" env:"FILECRYPT_LOG_FORMAT"` // json or text
	Encryption EncryptionConfig `yaml:"encryption"`
	Processing ProcessingConfig `yaml:"processing"`
	Policies   []Policy         `yaml:"policies"`
	Watch      WatchConfig      `yaml:"watch"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	Ops        OpsConfig        `yaml:"ops"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// EncryptionConfig holds key material and cipher suite configuration.
type EncryptionConfig struct {
	KeyFile    string `yaml:"key_file" env:"FILECRYPT_KEY_FILE"`
	Password   string `yaml:"password" env:"FILECRYPT_PASSWORD"`
	ParamsFile string `yaml:"params_file" env:"FILECRYPT_PARAMS_FILE"` // derivation parameters sidecar; defaults to key_file + ".params.yaml"
	Suite      string `yaml:"suite" env:"FILECRYPT_SUITE"`
	Iterations int    `yaml:"iterations" env:"FILECRYPT_ITERATIONS"`

	// Sealed wraps the key file with a passphrase derived AEAD.
	Sealed           bool   `yaml:"sealed" env:"FILECRYPT_SEALED"`
	SealedPassphrase string `yaml:"sealed_passphrase" env:"FILECRYPT_SEALED_PASSPHRASE"`
	SealKDF          string `yaml:"seal_kdf" env:"FILECRYPT_SEAL_KDF"`
	SealAEAD         string `yaml:"seal_aead" env:"FILECRYPT_SEAL_AEAD"`
}

// ProcessingConfig holds batch processing configuration.
type ProcessingConfig struct {
	Workers            int    `yaml:"workers" env:"FILECRYPT_WORKERS"`
	EncryptSuffix      string `yaml:"encrypt_suffix" env:"FILECRYPT_ENCRYPT_SUFFIX"`
	DecryptSuffix      string `yaml:"decrypt_suffix" env:"FILECRYPT_DECRYPT_SUFFIX"`
	MaxFileSize        int64  `yaml:"max_file_size" env:"FILECRYPT_MAX_FILE_SIZE"` // whole files are read into memory
	PreserveTimestamps bool   `yaml:"preserve_timestamps" env:"FILECRYPT_PRESERVE_TIMESTAMPS"`
	DeleteSource       bool   `yaml:"delete_source" env:"FILECRYPT_DELETE_SOURCE"`
}

// WatchConfig holds drop-folder watcher configuration.
type WatchConfig struct {
	Enabled     bool          `yaml:"enabled" env:"FILECRYPT_WATCH_ENABLED"`
	Dir         string        `yaml:"dir" env:"FILECRYPT_WATCH_DIR"`
	SettleDelay time.Duration `yaml:"settle_delay" env:"FILECRYPT_WATCH_SETTLE_DELAY"` // quiet period before a new file is picked up
	Mode        string        `yaml:"mode" env:"FILECRYPT_WATCH_MODE"`                 // encrypt or decrypt
	IgnorePaths []string      `yaml:"ignore_paths"`                                    // never picked up; the key store is appended automatically
}

// CacheConfig holds digest cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"FILECRYPT_CACHE_ENABLED"`
	MaxEntries int           `yaml:"max_entries" env:"FILECRYPT_CACHE_MAX_ENTRIES"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"FILECRYPT_CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled" env:"FILECRYPT_AUDIT_ENABLED"`
	MaxEvents int    `yaml:"max_events" env:"FILECRYPT_AUDIT_MAX_EVENTS"` // max events kept in memory
	LogFile   string `yaml:"log_file" env:"FILECRYPT_AUDIT_LOG_FILE"`     // empty means JSON lines on stdout
}

// OpsConfig holds the operational HTTP endpoint configuration.
type OpsConfig struct {
	Enabled           bool          `yaml:"enabled" env:"FILECRYPT_OPS_ENABLED"`
	ListenAddr        string        `yaml:"listen_addr" env:"FILECRYPT_OPS_LISTEN_ADDR"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"FILECRYPT_OPS_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"FILECRYPT_OPS_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"FILECRYPT_OPS_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"FILECRYPT_OPS_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"FILECRYPT_OPS_MAX_HEADER_BYTES"`
	AccessLogFormat   string        `yaml:"access_log_format" env:"FILECRYPT_OPS_ACCESS_LOG_FORMAT"` // json, clf, or default
	RedactHeaders     []string      `yaml:"redact_headers"`
}

// RateLimitConfig holds rate limiting configuration for the ops endpoint.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"FILECRYPT_RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"FILECRYPT_RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"FILECRYPT_RATE_LIMIT_WINDOW"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"FILECRYPT_TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"FILECRYPT_TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"FILECRYPT_TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"FILECRYPT_TRACING_EXPORTER"` // stdout, otlp, none
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"FILECRYPT_TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"FILECRYPT_TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"FILECRYPT_TRACING_REDACT_SENSITIVE"`
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Encryption: EncryptionConfig{
			Suite:      crypto.SuiteAES256CBCHMACSHA256,
			Iterations: crypto.DefaultIterations,
			SealKDF:    keystore.KDFArgon2id,
			SealAEAD:   crypto.AEADXChaCha20Poly1305,
		},
		Processing: ProcessingConfig{
			Workers:       4,
			EncryptSuffix: ".fc",
			MaxFileSize:   1 << 30, // 1GiB
		},
		Watch: WatchConfig{
			Enabled:     false,
			SettleDelay: 500 * time.Millisecond,
			Mode:        "encrypt",
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxEntries: 4096,
			DefaultTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Ops: OpsConfig{
			Enabled:           false,
			ListenAddr:        ":9090",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			AccessLogFormat:   "json",
			RedactHeaders:     []string{"authorization", "cookie", "x-api-key"},
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "filecrypt",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("FILECRYPT_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("FILECRYPT_LOG_FORMAT"); v != "" {
		config.LogFormat = v
	}
	if v := os.Getenv("FILECRYPT_KEY_FILE"); v != "" {
		config.Encryption.KeyFile = v
	}
	if v := os.Getenv("FILECRYPT_PASSWORD"); v != "" {
		config.Encryption.Password = v
	}
	if v := os.Getenv("FILECRYPT_PARAMS_FILE"); v != "" {
		config.Encryption.ParamsFile = v
	}
	if v := os.Getenv("FILECRYPT_SUITE"); v != "" {
		config.Encryption.Suite = v
	}
	if v := os.Getenv("FILECRYPT_ITERATIONS"); v != "" {
		var iterations int
		if _, err := fmt.Sscanf(v, "%d", &iterations); err == nil && iterations > 0 {
			config.Encryption.Iterations = iterations
		}
	}
	if v := os.Getenv("FILECRYPT_SEALED"); v != "" {
		config.Encryption.Sealed = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_SEALED_PASSPHRASE"); v != "" {
		config.Encryption.SealedPassphrase = v
	}
	if v := os.Getenv("FILECRYPT_SEAL_KDF"); v != "" {
		config.Encryption.SealKDF = v
	}
	if v := os.Getenv("FILECRYPT_SEAL_AEAD"); v != "" {
		config.Encryption.SealAEAD = v
	}
	if v := os.Getenv("FILECRYPT_WORKERS"); v != "" {
		var workers int
		if _, err := fmt.Sscanf(v, "%d", &workers); err == nil && workers > 0 {
			config.Processing.Workers = workers
		}
	}
	if v := os.Getenv("FILECRYPT_ENCRYPT_SUFFIX"); v != "" {
		config.Processing.EncryptSuffix = v
	}
	if v := os.Getenv("FILECRYPT_DECRYPT_SUFFIX"); v != "" {
		config.Processing.DecryptSuffix = v
	}
	if v := os.Getenv("FILECRYPT_MAX_FILE_SIZE"); v != "" {
		var maxSize int64
		if _, err := fmt.Sscanf(v, "%d", &maxSize); err == nil && maxSize > 0 {
			config.Processing.MaxFileSize = maxSize
		}
	}
	if v := os.Getenv("FILECRYPT_PRESERVE_TIMESTAMPS"); v != "" {
		config.Processing.PreserveTimestamps = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_DELETE_SOURCE"); v != "" {
		config.Processing.DeleteSource = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_WATCH_ENABLED"); v != "" {
		config.Watch.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_WATCH_DIR"); v != "" {
		config.Watch.Dir = v
	}
	if v := os.Getenv("FILECRYPT_WATCH_SETTLE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Watch.SettleDelay = d
		}
	}
	if v := os.Getenv("FILECRYPT_WATCH_MODE"); v != "" {
		config.Watch.Mode = v
	}
	if v := os.Getenv("FILECRYPT_CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_CACHE_MAX_ENTRIES"); v != "" {
		var maxEntries int
		if _, err := fmt.Sscanf(v, "%d", &maxEntries); err == nil && maxEntries > 0 {
			config.Cache.MaxEntries = maxEntries
		}
	}
	if v := os.Getenv("FILECRYPT_CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("FILECRYPT_AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	if v := os.Getenv("FILECRYPT_AUDIT_LOG_FILE"); v != "" {
		config.Audit.LogFile = v
	}
	if v := os.Getenv("FILECRYPT_OPS_ENABLED"); v != "" {
		config.Ops.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_OPS_LISTEN_ADDR"); v != "" {
		config.Ops.ListenAddr = v
	}
	if v := os.Getenv("FILECRYPT_OPS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Ops.ReadTimeout = d
		}
	}
	if v := os.Getenv("FILECRYPT_OPS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Ops.WriteTimeout = d
		}
	}
	if v := os.Getenv("FILECRYPT_OPS_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Ops.IdleTimeout = d
		}
	}
	if v := os.Getenv("FILECRYPT_OPS_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Ops.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("FILECRYPT_OPS_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Ops.MaxHeaderBytes = maxBytes
		}
	}
	if v := os.Getenv("FILECRYPT_OPS_ACCESS_LOG_FORMAT"); v != "" {
		config.Ops.AccessLogFormat = v
	}
	if v := os.Getenv("FILECRYPT_RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_RATE_LIMIT_REQUESTS"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("FILECRYPT_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}
	if v := os.Getenv("FILECRYPT_TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FILECRYPT_TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("FILECRYPT_TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("FILECRYPT_TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("FILECRYPT_TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("FILECRYPT_TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("FILECRYPT_TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = v == "true" || v == "1"
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s (must be json or text)", c.LogFormat)
	}

	if c.Encryption.Password == "" && c.Encryption.KeyFile == "" {
		return fmt.Errorf("either encryption.password or encryption.key_file is required")
	}

	if !crypto.IsSuiteSupported(c.Encryption.Suite) {
		return fmt.Errorf("invalid encryption.suite: %s", c.Encryption.Suite)
	}

	if c.Encryption.Iterations < crypto.MinIterations {
		return fmt.Errorf("encryption.iterations must be at least %d", crypto.MinIterations)
	}

	if c.Encryption.Sealed {
		if c.Encryption.SealedPassphrase == "" {
			return fmt.Errorf("encryption.sealed_passphrase is required when encryption.sealed is enabled")
		}
		if c.Encryption.SealKDF != keystore.KDFArgon2id && c.Encryption.SealKDF != keystore.KDFPBKDF2SHA256 {
			return fmt.Errorf("invalid encryption.seal_kdf: %s", c.Encryption.SealKDF)
		}
		if !crypto.IsAEADSupported(c.Encryption.SealAEAD) {
			return fmt.Errorf("invalid encryption.seal_aead: %s", c.Encryption.SealAEAD)
		}
	}

	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1")
	}

	if c.Processing.EncryptSuffix == "" {
		return fmt.Errorf("processing.encrypt_suffix cannot be empty")
	}

	if c.Processing.EncryptSuffix == c.Processing.DecryptSuffix {
		return fmt.Errorf("processing.encrypt_suffix and processing.decrypt_suffix must differ")
	}

	if c.Processing.MaxFileSize <= 0 {
		return fmt.Errorf("processing.max_file_size must be positive")
	}

	if c.Watch.Enabled {
		if c.Watch.Dir == "" {
			return fmt.Errorf("watch.dir is required when watch is enabled")
		}
		if c.Watch.Mode != "encrypt" && c.Watch.Mode != "decrypt" {
			return fmt.Errorf("invalid watch.mode: %s (must be encrypt or decrypt)", c.Watch.Mode)
		}
		if c.Watch.SettleDelay <= 0 {
			return fmt.Errorf("watch.settle_delay must be positive")
		}
	}

	if err := ValidatePolicies(c.Policies); err != nil {
		return err
	}

	if c.Ops.Enabled && c.Ops.ListenAddr == "" {
		return fmt.Errorf("ops.listen_addr is required when ops is enabled")
	}

	if c.Ops.AccessLogFormat != "" {
		validFormats := map[string]bool{
			"json":    true,
			"clf":     true,
			"default": true,
		}
		if !validFormats[c.Ops.AccessLogFormat] {
			return fmt.Errorf("invalid ops.access_log_format: %s (must be json, clf, or default)", c.Ops.AccessLogFormat)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
	}

	// Validate tracing configuration
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
			"none":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, otlp, or none)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
