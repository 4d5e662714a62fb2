package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kenneth/filecrypt/internal/analyze"
	"github.com/kenneth/filecrypt/internal/audit"
	"github.com/kenneth/filecrypt/internal/cache"
	"github.com/kenneth/filecrypt/internal/config"
	"github.com/kenneth/filecrypt/internal/crypto"
	"github.com/kenneth/filecrypt/internal/fileproc"
	"github.com/kenneth/filecrypt/internal/keystore"
	"github.com/kenneth/filecrypt/internal/metrics"
	"github.com/kenneth/filecrypt/internal/ops"
	"github.com/kenneth/filecrypt/internal/tracing"
	"github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the YAML configuration file")
		showVersion = flag.Bool("version", false, "Print build information and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("filecrypt %s (commit %s)\n", version, commit)
		return
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	path := resolveConfigPath(*configPath)
	args := flag.Args()[1:]

	var exitCode int
	switch cmd := flag.Arg(0); cmd {
	case "keygen":
		exitCode = runKeygen(path, args)
	case "rotate":
		exitCode = runRotate(path, args)
	case "encrypt":
		exitCode = runProcess(path, fileproc.ModeEncrypt, args)
	case "decrypt":
		exitCode = runProcess(path, fileproc.ModeDecrypt, args)
	case "analyze":
		exitCode = runAnalyze(path, args)
	case "watch":
		exitCode = runWatch(path, args)
	case "version":
		fmt.Printf("filecrypt %s (commit %s)\n", version, commit)
	default:
		fmt.Fprintf(os.Stderr, "filecrypt: unknown command %q\n\n", cmd)
		usage()
		exitCode = 2
	}
	os.Exit(exitCode)
}

func usage() {
	fmt.Fprint(os.Stderr, `filecrypt encrypts and decrypts files as authenticated tokens.

Usage:
  filecrypt [-config <path>] <command> [flags] [args]

Commands:
  keygen     Generate a key and persist it to the configured key store
  rotate     Replace the stored key with a freshly generated one
  encrypt    Encrypt a file or every eligible file under a directory
  decrypt    Decrypt a file or every eligible file under a directory
  analyze    Report encrypted/plaintext counts, sizes, and duplicates for a tree
  watch      Watch a drop directory and process files as they settle
  version    Print build information

The configuration file defaults to config.yaml and may be overridden
with -config or the FILECRYPT_CONFIG environment variable. Run
"filecrypt <command> -h" for command flags.
`)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("FILECRYPT_CONFIG"); env != "" {
		return env
	}
	return "config.yaml"
}

// loadConfig loads and validates configuration, then builds the logger
// from its logging settings.
func loadConfig(path string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "filecrypt: %v\n", err)
	return 1
}

// buildStore returns the configured key store: sealed when a passphrase
// wraps the key at rest, plain file otherwise.
func buildStore(cfg *config.Config) (keystore.Store, error) {
	if cfg.Encryption.Sealed {
		return keystore.NewSealedStore(cfg.Encryption.KeyFile, cfg.Encryption.SealedPassphrase, keystore.SealedOptions{
			KDF:  cfg.Encryption.SealKDF,
			AEAD: cfg.Encryption.SealAEAD,
		})
	}
	return keystore.NewFileStore(cfg.Encryption.KeyFile), nil
}

// buildAudit returns the configured audit logger, or nil when auditing
// is disabled. The closer flushes file-backed writers.
func buildAudit(cfg *config.Config) (audit.Logger, func(), error) {
	if !cfg.Audit.Enabled {
		return nil, func() {}, nil
	}
	if cfg.Audit.LogFile != "" {
		w, err := audit.NewFileWriter(cfg.Audit.LogFile)
		if err != nil {
			return nil, nil, err
		}
		return audit.NewLogger(cfg.Audit.MaxEvents, w), func() { w.Close() }, nil
	}
	return audit.NewLogger(cfg.Audit.MaxEvents, nil), func() {}, nil
}

// paramsPath resolves where derivation parameters live: the configured
// params file, next to the key file, or the working directory.
func paramsPath(cfg *config.Config) string {
	if cfg.Encryption.ParamsFile != "" {
		return cfg.Encryption.ParamsFile
	}
	if cfg.Encryption.KeyFile != "" {
		return cfg.Encryption.KeyFile + ".params.yaml"
	}
	return "filecrypt.params.yaml"
}

// loadOrCreateParams loads the derivation parameter sidecar, creating it
// with a fresh salt and the configured iteration count on first use.
func loadOrCreateParams(cfg *config.Config, logger *logrus.Logger) (crypto.DerivationParameters, error) {
	path := paramsPath(cfg)
	params, created, err := keystore.LoadOrCreateDeriveParams(path, cfg.Encryption.Iterations)
	if err != nil {
		return crypto.DerivationParameters{}, err
	}
	if created {
		logger.WithFields(logrus.Fields{
			"path":       path,
			"iterations": params.Iterations,
		}).Info("Created key derivation parameters")
	}
	return params, nil
}

// acquireKey resolves the active key material: derived from the
// configured password when one is set, otherwise loaded from the key
// store, generating a key on first use.
func acquireKey(cfg *config.Config, engine *crypto.Engine, logger *logrus.Logger, auditLog audit.Logger) (crypto.KeyMaterial, error) {
	if cfg.Encryption.Password != "" {
		params, err := loadOrCreateParams(cfg, logger)
		if err != nil {
			return nil, err
		}
		return engine.Derive(cfg.Encryption.Password, params)
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	manager := keystore.NewManager(store, logger)
	key, created, err := manager.LoadOrGenerate()
	if err != nil {
		return nil, err
	}
	if created {
		if auditLog != nil {
			auditLog.LogKeyGenerate(key.Fingerprint(), true, nil)
		}
		logger.WithFields(logrus.Fields{
			"path":            store.Path(),
			"key_fingerprint": key.Fingerprint(),
		}).Info("Generated new key on first use")
	}
	return key, nil
}

func runKeygen(configPath string, args []string) int {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing key")
	fs.Parse(args)

	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return fail(err)
	}
	if cfg.Encryption.KeyFile == "" {
		return fail(errors.New("keygen requires encryption.key_file (set it in the config file or FILECRYPT_KEY_FILE)"))
	}

	auditLog, closeAudit, err := buildAudit(cfg)
	if err != nil {
		return fail(err)
	}
	defer closeAudit()

	store, err := buildStore(cfg)
	if err != nil {
		return fail(err)
	}
	manager := keystore.NewManager(store, logger)

	key, err := manager.Generate()
	if err != nil {
		if auditLog != nil {
			auditLog.LogKeyGenerate("", false, err)
		}
		return fail(err)
	}
	defer key.Zero()

	if err := manager.Persist(key, *force); err != nil {
		if auditLog != nil {
			auditLog.LogKeyGenerate(key.Fingerprint(), false, err)
		}
		if errors.Is(err, keystore.ErrKeyExists) {
			return fail(fmt.Errorf("a key already exists at %s; pass -force to overwrite it", store.Path()))
		}
		return fail(err)
	}
	if auditLog != nil {
		auditLog.LogKeyGenerate(key.Fingerprint(), true, nil)
	}

	fmt.Printf("Generated %s key %s at %s\n", store.Kind(), key.Fingerprint(), store.Path())
	return 0
}

func runRotate(configPath string, args []string) int {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Confirm that files encrypted under the current key become undecryptable")
	fs.Parse(args)

	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return fail(err)
	}
	if cfg.Encryption.KeyFile == "" {
		return fail(errors.New("rotate requires encryption.key_file (set it in the config file or FILECRYPT_KEY_FILE)"))
	}

	auditLog, closeAudit, err := buildAudit(cfg)
	if err != nil {
		return fail(err)
	}
	defer closeAudit()

	store, err := buildStore(cfg)
	if err != nil {
		return fail(err)
	}
	manager := keystore.NewManager(store, logger)

	// Fingerprint of the outgoing key, for the audit trail.
	var previous string
	if old, err := manager.Load(); err == nil {
		previous = old.Fingerprint()
		old.Zero()
	}

	key, err := manager.Rotate(*yes)
	if err != nil {
		if errors.Is(err, keystore.ErrConfirmationRequired) {
			fmt.Fprintln(os.Stderr, "Rotation replaces the stored key; files encrypted under it will no longer decrypt.")
			fmt.Fprintln(os.Stderr, "Re-run with -yes to confirm.")
			return 2
		}
		if auditLog != nil {
			auditLog.LogKeyRotate(previous, "", false, err)
		}
		return fail(err)
	}
	defer key.Zero()
	if auditLog != nil {
		auditLog.LogKeyRotate(previous, key.Fingerprint(), true, nil)
	}

	fmt.Printf("Rotated key at %s; new fingerprint %s\n", store.Path(), key.Fingerprint())
	return 0
}

func runProcess(configPath string, mode fileproc.Mode, args []string) int {
	fs := flag.NewFlagSet(string(mode), flag.ExitOnError)
	var (
		password = fs.String("password", "", "Derive the key from this password instead of using the key store")
		workers  = fs.Int("workers", 0, "Worker pool size override")
	)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: filecrypt %s [-password <password>] [-workers <n>] <path>\n", mode)
		return 2
	}
	target := fs.Arg(0)

	// The flag is shorthand for FILECRYPT_PASSWORD; the config loader
	// owns precedence and validation.
	if *password != "" {
		os.Setenv("FILECRYPT_PASSWORD", *password)
	}
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return fail(err)
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}

	auditLog, closeAudit, err := buildAudit(cfg)
	if err != nil {
		return fail(err)
	}
	defer closeAudit()

	engine := crypto.NewEngine(logger)
	key, err := acquireKey(cfg, engine, logger, auditLog)
	if err != nil {
		return fail(err)
	}
	defer key.Zero()

	policies := config.NewPolicyManager(cfg.Policies)
	m := metrics.NewMetrics()
	processor := fileproc.NewProcessorWithFeatures(cfg.Processing, engine, key, logger, m, auditLog, policies)

	info, err := os.Stat(target)
	if err != nil {
		return fail(err)
	}

	ctx := context.Background()
	if info.IsDir() {
		summary, err := processor.ProcessBatch(ctx, target, mode)
		if err != nil {
			return fail(err)
		}
		reportSummary(summary)
		if summary.Failed > 0 {
			return 1
		}
		return 0
	}

	result, err := processor.ProcessFile(ctx, target, mode)
	if err != nil {
		return fail(err)
	}
	verb := "Encrypted"
	if mode == fileproc.ModeDecrypt {
		verb = "Decrypted"
	}
	fmt.Printf("%s %s -> %s (%d bytes in, %d bytes out)\n", verb, result.Input, result.Output, result.BytesIn, result.BytesOut)
	return 0
}

func reportSummary(summary *fileproc.Summary) {
	fmt.Printf("Batch %s: %d processed, %d failed, %d skipped (%d bytes in, %d bytes out) in %s\n",
		summary.BatchID, summary.Processed, summary.Failed, summary.Skipped,
		summary.BytesIn, summary.BytesOut, summary.Duration.Round(time.Millisecond))
	for _, f := range summary.Failures {
		fmt.Fprintf(os.Stderr, "  failed: %s: %s\n", f.Path, f.Error)
	}
}

func runAnalyze(configPath string, args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	var (
		jsonOut = fs.Bool("json", false, "Emit the report as JSON")
		topN    = fs.Int("top", analyze.DefaultTopN, "Number of largest files to report")
	)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: filecrypt analyze [-json] [-top <n>] <path>")
		return 2
	}

	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return fail(err)
	}

	var digestCache cache.Cache
	if cfg.Cache.Enabled {
		digestCache = cache.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL)
	}

	analyzer := analyze.NewAnalyzer(crypto.NewVerifier(), digestCache, logger)
	analyzer.SetTopN(*topN)

	report, err := analyzer.Analyze(context.Background(), fs.Arg(0))
	if err != nil {
		return fail(err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fail(err)
		}
		return 0
	}
	printReport(report)
	return 0
}

func printReport(report *analyze.Report) {
	fmt.Printf("Scanned %s: %d files, %d bytes\n", report.Root, report.TotalFiles, report.TotalBytes)
	fmt.Printf("  encrypted: %d  plaintext: %d\n", report.Encrypted, report.Plaintext)
	if len(report.SizeClasses) > 0 {
		fmt.Println("  size classes:")
		for _, class := range []string{analyze.ClassSmall, analyze.ClassMedium, analyze.ClassLarge, analyze.ClassHuge} {
			if n, ok := report.SizeClasses[class]; ok {
				fmt.Printf("    %-7s %d\n", class, n)
			}
		}
	}
	if len(report.Largest) > 0 {
		fmt.Println("  largest files:")
		for _, f := range report.Largest {
			fmt.Printf("    %12d  %s\n", f.Size, f.Path)
		}
	}
	if len(report.Duplicates) > 0 {
		fmt.Printf("  duplicate groups: %d (%d wasted bytes)\n", len(report.Duplicates), report.WastedBytes)
		for digest, paths := range report.Duplicates {
			fmt.Printf("    %.12s… %d copies\n", digest, len(paths))
		}
	}
	fmt.Printf("  completed in %s (cache hits: %d)\n", report.Duration.Round(time.Millisecond), report.CacheHits)
}

func runWatch(configPath string, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Parse(args)

	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return fail(err)
	}
	if cfg.Watch.Dir == "" {
		return fail(errors.New("watch requires watch.dir (set it in the config file or FILECRYPT_WATCH_DIR)"))
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"dir":     cfg.Watch.Dir,
		"mode":    cfg.Watch.Mode,
	}).Info("Starting filecrypt watcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	shutdownTracing, err := tracing.Init(ctx, &cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize tracing")
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracing")
		}
	}()

	// Initialize metrics
	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	auditLog, closeAudit, err := buildAudit(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to open audit log")
		return 1
	}
	defer closeAudit()

	engine := crypto.NewEngine(logger)
	key, err := acquireKey(cfg, engine, logger, auditLog)
	if err != nil {
		logger.WithError(err).Error("Failed to acquire key material")
		return 1
	}
	defer key.Zero()

	policies := config.NewPolicyManager(cfg.Policies)
	processor := fileproc.NewProcessorWithFeatures(cfg.Processing, engine, key, logger, m, auditLog, policies)

	// The key store and its params sidecar must never be encrypted,
	// even when they live inside the watched tree.
	watchCfg := cfg.Watch
	if cfg.Encryption.KeyFile != "" {
		watchCfg.IgnorePaths = append(watchCfg.IgnorePaths, cfg.Encryption.KeyFile)
	}
	watchCfg.IgnorePaths = append(watchCfg.IgnorePaths, paramsPath(cfg))

	watcher, err := fileproc.NewWatcher(processor, watchCfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create watcher")
		return 1
	}
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Error("Watcher stopped unexpectedly")
		}
	}()

	// Ops HTTP server: health, metrics, status, audit feed
	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		status := ops.StatusFunc(func() ops.Status {
			processed, failed := watcher.Stats()
			return ops.Status{
				Version:        version,
				Mode:           cfg.Watch.Mode,
				WatchDir:       cfg.Watch.Dir,
				KeyFingerprint: key.Fingerprint(),
				Processed:      processed,
				Failed:         failed,
			}
		})
		opsServer = ops.NewServer(cfg, logger, m, auditLog, status)
		opsServer.Start()
	}

	// Hot reload for the settings that are safe to change at runtime
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config reloading disabled")
	} else {
		reloader.SetOnReloadCallback(func(old, updated *config.Config) error {
			if updated.LogLevel != old.LogLevel {
				if level, perr := logrus.ParseLevel(updated.LogLevel); perr == nil {
					logger.SetLevel(level)
				}
			}
			policies.Reload(updated.Policies)
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	watcher.Stop()
	if opsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Ops server shutdown failed")
		}
	}

	processed, failed := watcher.Stats()
	logger.WithFields(logrus.Fields{
		"processed": processed,
		"failed":    failed,
	}).Info("Watcher stopped")
	return 0
}
