// Package analyze inspects directory trees before and after encryption
// runs: how many files look like tokens, how sizes distribute, and
// which files share identical content.
package analyze

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/filecrypt/internal/cache"
	"github.com/kenneth/filecrypt/internal/crypto"
)

// Size class thresholds.
const (
	ClassSmall  = "small"  // under 1 MiB
	ClassMedium = "medium" // under 10 MiB
	ClassLarge  = "large"  // under 100 MiB
	ClassHuge   = "huge"
)

// DefaultTopN is the number of largest files reported.
const DefaultTopN = 10

// FileInfo describes a single analyzed file.
type FileInfo struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Encrypted bool   `json:"encrypted"`
}

// Report summarizes a directory tree.
type Report struct {
	Root        string              `json:"root"`
	TotalFiles  int                 `json:"total_files"`
	TotalBytes  int64               `json:"total_bytes"`
	Encrypted   int                 `json:"encrypted"`
	Plaintext   int                 `json:"plaintext"`
	SizeClasses map[string]int      `json:"size_classes"`
	Largest     []FileInfo          `json:"largest"`
	Duplicates  map[string][]string `json:"duplicates,omitempty"`
	WastedBytes int64               `json:"wasted_bytes"`
	CacheHits   int                 `json:"cache_hits"`
	Duration    time.Duration       `json:"duration"`
}

// Analyzer walks directory trees and builds reports. Content digests
// feed duplicate detection and are cached keyed by path, size and
// modification time, so repeated runs only hash files that changed.
type Analyzer struct {
	verifier *crypto.Verifier
	cache    cache.Cache
	logger   *logrus.Logger
	topN     int
}

// NewAnalyzer creates an analyzer. The digest cache may be nil, in
// which case every run hashes every file.
func NewAnalyzer(verifier *crypto.Verifier, digestCache cache.Cache, logger *logrus.Logger) *Analyzer {
	if verifier == nil {
		verifier = crypto.NewVerifier()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Analyzer{
		verifier: verifier,
		cache:    digestCache,
		logger:   logger,
		topN:     DefaultTopN,
	}
}

// SetTopN overrides how many largest files the report lists.
func (a *Analyzer) SetTopN(n int) {
	if n > 0 {
		a.topN = n
	}
}

// Analyze walks root and builds a report. Unreadable files are logged
// and skipped; cancellation stops the walk and returns the context
// error.
func (a *Analyzer) Analyze(ctx context.Context, root string) (*Report, error) {
	start := time.Now()

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat %s: %w", crypto.ErrIO, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", crypto.ErrIO, root)
	}

	report := &Report{
		Root:        root,
		SizeClasses: make(map[string]int),
	}
	digests := make(map[string][]string)
	digestSizes := make(map[string]int64)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			a.logger.WithError(err).WithField("path", path).Warn("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			a.logger.WithError(err).WithField("path", path).Warn("skipping unreadable file")
			return nil
		}
		size := fi.Size()

		encrypted, err := a.sniff(path, size)
		if err != nil {
			a.logger.WithError(err).WithField("path", path).Warn("skipping unreadable file")
			return nil
		}

		report.TotalFiles++
		report.TotalBytes += size
		report.SizeClasses[sizeClass(size)]++
		if encrypted {
			report.Encrypted++
		} else {
			report.Plaintext++
		}

		digest, fromCache, err := a.digest(ctx, path, size, fi.ModTime())
		if err != nil {
			a.logger.WithError(err).WithField("path", path).Warn("failed to digest file")
		} else {
			if fromCache {
				report.CacheHits++
			}
			key := a.verifier.EncodeDigest(digest)
			digests[key] = append(digests[key], path)
			digestSizes[key] = size
		}

		report.Largest = append(report.Largest, FileInfo{Path: path, Size: size, Encrypted: encrypted})
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return nil, walkErr
		}
		return nil, fmt.Errorf("%w: failed to walk %s: %w", crypto.ErrIO, root, walkErr)
	}

	sort.Slice(report.Largest, func(i, j int) bool {
		if report.Largest[i].Size != report.Largest[j].Size {
			return report.Largest[i].Size > report.Largest[j].Size
		}
		return report.Largest[i].Path < report.Largest[j].Path
	})
	if len(report.Largest) > a.topN {
		report.Largest = report.Largest[:a.topN]
	}

	for key, paths := range digests {
		if len(paths) > 1 {
			if report.Duplicates == nil {
				report.Duplicates = make(map[string][]string)
			}
			sort.Strings(paths)
			report.Duplicates[key] = paths
			report.WastedBytes += int64(len(paths)-1) * digestSizes[key]
		}
	}

	report.Duration = time.Since(start)
	a.logger.WithFields(logrus.Fields{
		"root":        root,
		"total_files": report.TotalFiles,
		"encrypted":   report.Encrypted,
		"duplicates":  len(report.Duplicates),
		"cache_hits":  report.CacheHits,
	}).Debug("analyzed directory tree")
	return report, nil
}

// sniff reads the first byte of a file and applies the token format
// heuristic.
func (a *Analyzer) sniff(path string, size int64) (bool, error) {
	if size < int64(crypto.MinTokenSize) {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var first [1]byte
	if _, err := io.ReadFull(f, first[:]); err != nil {
		return false, err
	}
	return crypto.LooksLikeToken(first[0], size), nil
}

// digest returns the file's content digest, from the cache when the
// size and modification time still match.
func (a *Analyzer) digest(ctx context.Context, path string, size int64, modTime time.Time) ([]byte, bool, error) {
	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, path, size, modTime); ok {
			return cached, true, nil
		}
	}
	digest, err := a.verifier.DigestFile(path)
	if err != nil {
		return nil, false, err
	}
	if a.cache != nil {
		if err := a.cache.Set(ctx, path, size, modTime, digest, 0); err != nil {
			a.logger.WithError(err).WithField("path", path).Debug("failed to cache digest")
		}
	}
	return digest, false, nil
}

func sizeClass(size int64) string {
	switch {
	case size < 1<<20:
		return ClassSmall
	case size < 10<<20:
		return ClassMedium
	case size < 100<<20:
		return ClassLarge
	default:
		return ClassHuge
	}
}
