package fileproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kenneth/filecrypt/internal/audit"
	"github.com/kenneth/filecrypt/internal/config"
	"github.com/kenneth/filecrypt/internal/crypto"
	"github.com/kenneth/filecrypt/internal/metrics"
	"github.com/kenneth/filecrypt/internal/tracing"
)

// tempPrefix marks in-progress output files. Batch runs and the watcher
// ignore files carrying it.
const tempPrefix = ".filecrypt-"

// Processor encrypts and decrypts files on disk.
type Processor struct {
	cfg      config.ProcessingConfig
	engine   *crypto.Engine
	key      crypto.KeyMaterial
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	audit    audit.Logger
	policies *config.PolicyManager
}

// NewProcessor creates a file processor with the given configuration,
// engine and key.
func NewProcessor(cfg config.ProcessingConfig, engine *crypto.Engine, key crypto.KeyMaterial, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.EncryptSuffix == "" {
		cfg.EncryptSuffix = ".fc"
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1 << 30
	}
	return &Processor{
		cfg:    cfg,
		engine: engine,
		key:    key,
		logger: logger,
	}
}

// NewProcessorWithFeatures creates a file processor with metrics, audit
// logging and policy support. Any of the feature arguments may be nil.
func NewProcessorWithFeatures(
	cfg config.ProcessingConfig,
	engine *crypto.Engine,
	key crypto.KeyMaterial,
	logger *logrus.Logger,
	m *metrics.Metrics,
	auditLogger audit.Logger,
	policies *config.PolicyManager,
) *Processor {
	p := NewProcessor(cfg, engine, key, logger)
	p.metrics = m
	p.audit = auditLogger
	p.policies = policies
	return p
}

// OutputPath returns the destination path for processing path in the
// given mode. Encryption appends the encrypt suffix, decryption strips
// it and appends the decrypt suffix.
func (p *Processor) OutputPath(path string, mode Mode) string {
	if mode == ModeDecrypt {
		return strings.TrimSuffix(path, p.cfg.EncryptSuffix) + p.cfg.DecryptSuffix
	}
	return path + p.cfg.EncryptSuffix
}

// ShouldProcess reports whether path is a candidate for the given mode
// based on its name. Temporary output files are never candidates, and
// the suffix convention keeps encrypted files from being encrypted
// twice.
func (p *Processor) ShouldProcess(path string, mode Mode) bool {
	if strings.HasPrefix(filepath.Base(path), tempPrefix) {
		return false
	}
	if mode == ModeDecrypt {
		return strings.HasSuffix(path, p.cfg.EncryptSuffix)
	}
	return !strings.HasSuffix(path, p.cfg.EncryptSuffix)
}

// EncryptFile encrypts the file at path into its output path.
func (p *Processor) EncryptFile(ctx context.Context, path string) (*Result, error) {
	return p.ProcessFile(ctx, path, ModeEncrypt)
}

// DecryptFile decrypts the file at path into its output path.
func (p *Processor) DecryptFile(ctx context.Context, path string) (*Result, error) {
	return p.ProcessFile(ctx, path, ModeDecrypt)
}

// ProcessFile transforms a single file. The original and the
// destination are left untouched when any step fails.
func (p *Processor) ProcessFile(ctx context.Context, path string, mode Mode) (*Result, error) {
	return p.processFile(ctx, path, mode, p.cfg, "")
}

func (p *Processor) processFile(ctx context.Context, path string, mode Mode, cfg config.ProcessingConfig, batchID string) (result *Result, err error) {
	start := time.Now()

	_, span := tracing.Tracer().Start(ctx, "fileproc."+string(mode))
	defer span.End()
	span.SetAttributes(
		attribute.String("file.path", tracing.RedactPath(path)),
		attribute.String("filecrypt.mode", string(mode)),
	)
	if batchID != "" {
		span.SetAttributes(attribute.String("filecrypt.batch_id", batchID))
	}

	if p.metrics != nil {
		p.metrics.IncFilesInFlight()
		defer p.metrics.DecFilesInFlight()
	}

	result = &Result{Input: path, Mode: mode, Status: StatusPending}
	opLabel := metrics.OpEncrypt
	if mode == ModeDecrypt {
		opLabel = metrics.OpDecrypt
	}

	defer func() {
		result.Duration = time.Since(start)
		result.Err = err
		if err != nil {
			result.Status = StatusFailed
		} else {
			result.Status = StatusDone
		}
		if p.metrics != nil {
			p.metrics.RecordOperation(opLabel, err == nil, result.Duration, result.BytesIn)
			if err != nil {
				p.metrics.RecordOperationError(opLabel, errorKind(err))
				if crypto.IsIntegrity(err) {
					p.metrics.RecordIntegrityFailure()
				}
			}
		}
		p.auditResult(result, batchID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, fmt.Errorf("%w: no such file: %s", crypto.ErrIO, path)
		}
		return result, fmt.Errorf("%w: failed to stat %s: %w", crypto.ErrIO, path, err)
	}
	if !info.Mode().IsRegular() {
		return result, fmt.Errorf("%w: not a regular file: %s", crypto.ErrIO, path)
	}
	if info.Size() > cfg.MaxFileSize {
		return result, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrFileTooLarge, path, info.Size(), cfg.MaxFileSize)
	}

	result.Status = StatusReading
	data, err := os.ReadFile(path)
	if err != nil {
		return result, fmt.Errorf("%w: failed to read %s: %w", crypto.ErrIO, path, err)
	}
	result.BytesIn = int64(len(data))
	span.SetAttributes(attribute.Int64("file.bytes_in", result.BytesIn))

	result.Status = StatusTransforming
	var out []byte
	if mode == ModeDecrypt {
		out, err = p.engine.DecryptBytes(p.key, data)
	} else {
		out, err = p.engine.EncryptBytes(p.key, data)
	}
	if err != nil {
		return result, fmt.Errorf("failed to %s %s: %w", mode, path, err)
	}
	result.BytesOut = int64(len(out))

	result.Status = StatusWriting
	outPath := p.OutputPath(path, mode)
	result.Output = outPath
	if err = writeFileAtomic(outPath, out, info.Mode().Perm()); err != nil {
		return result, err
	}

	if cfg.PreserveTimestamps {
		if terr := os.Chtimes(outPath, time.Now(), info.ModTime()); terr != nil {
			p.logger.WithError(terr).WithField("path", outPath).Warn("failed to preserve timestamps")
		}
	}

	if cfg.DeleteSource && outPath != path {
		if rerr := os.Remove(path); rerr != nil {
			p.logger.WithError(rerr).WithField("path", path).Warn("failed to delete source file")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"input":  path,
		"output": outPath,
		"mode":   mode,
		"bytes":  result.BytesIn,
	}).Debug("processed file")

	return result, nil
}

// auditResult emits audit events for a finished file operation.
func (p *Processor) auditResult(result *Result, batchID string) {
	if p.audit == nil {
		return
	}
	fingerprint := p.key.Fingerprint()
	if result.Mode == ModeDecrypt {
		p.audit.LogDecrypt(result.Input, fingerprint, batchID, result.BytesIn, result.Duration, result.Err)
		if crypto.IsIntegrity(result.Err) {
			p.audit.LogIntegrityFailure(result.Input, fingerprint, result.Err)
		}
		return
	}
	p.audit.LogEncrypt(result.Input, fingerprint, batchID, result.BytesIn, result.Duration, result.Err)
}

// errorKind maps an error to a metrics label.
func errorKind(err error) string {
	if errors.Is(err, ErrFileTooLarge) {
		return "too_large"
	}
	return crypto.ErrorKind(err)
}

// writeFileAtomic writes data to destPath through a temporary file in
// the same directory, so the destination either keeps its old content
// or carries the complete new content.
func writeFileAtomic(destPath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temporary file in %s: %w", crypto.ErrIO, dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("%w: failed to set permissions on %s: %w", crypto.ErrIO, tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: failed to write %s: %w", crypto.ErrIO, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync %s: %w", crypto.ErrIO, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %w", crypto.ErrIO, tmpName, err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return fmt.Errorf("%w: failed to rename %s to %s: %w", crypto.ErrIO, tmpName, destPath, err)
	}
	committed = true
	return nil
}
