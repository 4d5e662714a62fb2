package fileproc

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/filecrypt/internal/config"
	"github.com/kenneth/filecrypt/internal/crypto"
	"github.com/kenneth/filecrypt/internal/metrics"
)

// ProcessBatch walks root and processes every candidate file in the
// given mode on a bounded worker pool.
//
// Individual file failures are recorded in the summary and do not stop
// the run. Fatal key errors abort it: nothing new is scheduled and the
// first such error is returned. Cancelling ctx also stops scheduling;
// files already being processed run to completion either way. The
// returned summary always reflects the work that was done.
func (p *Processor) ProcessBatch(ctx context.Context, root string, mode Mode) (*Summary, error) {
	batchID := uuid.NewString()
	start := time.Now()

	summary := &Summary{
		BatchID: batchID,
		Root:    root,
		Mode:    mode,
	}

	log := p.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"root":     root,
		"mode":     mode,
	})

	files, err := p.enumerate(root, mode, summary)
	if err != nil {
		summary.Duration = time.Since(start)
		return summary, err
	}
	log.WithFields(logrus.Fields{
		"candidates": len(files),
		"skipped":    summary.Skipped,
		"workers":    p.cfg.Workers,
	}).Info("starting batch run")

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.Workers)

	results := make(chan *Result, p.cfg.Workers)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for result := range results {
			if result.Err != nil {
				summary.Failed++
				summary.Failures = append(summary.Failures, Failure{
					Path:  result.Input,
					Error: result.Err.Error(),
				})
				if p.metrics != nil {
					p.metrics.RecordBatchFile(metrics.FileFailed)
				}
				log.WithError(result.Err).WithField("path", result.Input).Warn("failed to process file")
				continue
			}
			summary.Processed++
			summary.BytesIn += result.BytesIn
			summary.BytesOut += result.BytesOut
			if p.metrics != nil {
				p.metrics.RecordBatchFile(metrics.FileProcessed)
			}
		}
	}()

	for _, file := range files {
		if gctx.Err() != nil {
			break
		}
		group.Go(func() error {
			// A cancellation between scheduling and execution leaves
			// the file untouched.
			if gctx.Err() != nil {
				return nil
			}
			cfg := p.cfg
			if policy := p.matchPolicy(root, file); policy != nil {
				cfg = policy.ApplyToProcessing(cfg)
			}
			result, err := p.processFile(gctx, file, mode, cfg, batchID)
			results <- result
			if crypto.IsFatal(err) {
				return err
			}
			return nil
		})
	}

	fatalErr := group.Wait()
	close(results)
	<-done

	summary.Duration = time.Since(start)

	runErr := fatalErr
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	if p.metrics != nil {
		status := metrics.BatchCompleted
		if runErr != nil {
			status = metrics.BatchAborted
		}
		p.metrics.RecordBatchRun(status)
	}
	if p.audit != nil {
		p.audit.LogBatch(batchID, root, summary.Processed, summary.Failed, summary.Duration, runErr)
	}

	if runErr != nil {
		log.WithError(runErr).WithFields(logrus.Fields{
			"processed": summary.Processed,
			"failed":    summary.Failed,
		}).Error("batch run aborted")
		return summary, fmt.Errorf("batch %s aborted: %w", batchID, runErr)
	}

	log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"duration":  summary.Duration,
	}).Info("batch run complete")
	return summary, nil
}

// enumerate collects candidate files under root. A root that is a
// regular file yields a single-file batch. Skipped entries are counted
// in the summary; unreadable subtrees are recorded as failures without
// stopping the walk.
func (p *Processor) enumerate(root string, mode Mode, summary *Summary) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat %s: %w", crypto.ErrIO, root, err)
	}
	if info.Mode().IsRegular() {
		return []string{root}, nil
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a file or directory: %s", crypto.ErrIO, root)
	}

	var files []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{Path: path, Error: err.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			summary.Skipped++
			return nil
		}
		if !p.ShouldProcess(path, mode) {
			summary.Skipped++
			if p.metrics != nil {
				p.metrics.RecordBatchFile(metrics.FileSkipped)
			}
			return nil
		}
		if p.policies != nil {
			rel, rerr := filepath.Rel(root, path)
			if rerr == nil && p.policies.ShouldSkip(rel) {
				summary.Skipped++
				if p.metrics != nil {
					p.metrics.RecordBatchFile(metrics.FileSkipped)
				}
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("%w: failed to walk %s: %w", crypto.ErrIO, root, walkErr)
	}
	return files, nil
}

// matchPolicy returns the policy applying to file, matched on its path
// relative to the batch root.
func (p *Processor) matchPolicy(root, file string) *config.Policy {
	if p.policies == nil {
		return nil
	}
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return nil
	}
	return p.policies.Match(rel)
}
