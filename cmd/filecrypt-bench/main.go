package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kenneth/filecrypt/internal/cache"
	"github.com/kenneth/filecrypt/internal/config"
	"github.com/kenneth/filecrypt/internal/crypto"
	"github.com/kenneth/filecrypt/internal/fileproc"
	"github.com/kenneth/filecrypt/internal/keystore"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// corpusClasses define the generated benchmark corpus. Every class gets
// the same number of files so both small-file overhead and bulk
// throughput show up in the results.
var corpusClasses = []struct {
	name string
	size int64
}{
	{"tiny", 4 << 10},
	{"small", 64 << 10},
	{"medium", 1 << 20},
	{"large", 8 << 20},
}

// PhaseMetrics captures one timed pass (encrypt or decrypt) over the corpus.
type PhaseMetrics struct {
	Operation     string        `json:"operation"`
	Files         int           `json:"files"`
	Failed        int           `json:"failed"`
	Bytes         int64         `json:"bytes"`
	Duration      time.Duration `json:"duration"`
	P50Latency    time.Duration `json:"p50_latency"`
	P95Latency    time.Duration `json:"p95_latency"`
	P99Latency    time.Duration `json:"p99_latency"`
	AvgLatency    time.Duration `json:"avg_latency"`
	MinLatency    time.Duration `json:"min_latency"`
	MaxLatency    time.Duration `json:"max_latency"`
	ThroughputMBs float64       `json:"throughput_mb_per_sec"`
	FilesPerSec   float64       `json:"files_per_sec"`
}

// BenchMetrics is the persisted result of one benchmark run.
type BenchMetrics struct {
	Timestamp      time.Time     `json:"timestamp"`
	Suite          string        `json:"suite"`
	Workers        int           `json:"workers"`
	Cycles         int           `json:"cycles"`
	CorpusFiles    int           `json:"corpus_files"`
	CorpusBytes    int64         `json:"corpus_bytes"`
	Duration       time.Duration `json:"duration"`
	Encrypt        PhaseMetrics  `json:"encrypt"`
	Decrypt        PhaseMetrics  `json:"decrypt"`
	VerifyFailures int           `json:"verify_failures"`
	CacheHits      int64         `json:"cache_hits"`
	CacheMisses    int64         `json:"cache_misses"`
}

// RegressionResult holds the outcome of comparing a run against a baseline.
type RegressionResult struct {
	Baseline                *BenchMetrics
	Current                 *BenchMetrics
	EncryptLatencyChange    float64 // Percentage change in average encrypt latency
	DecryptLatencyChange    float64 // Percentage change in average decrypt latency
	EncryptThroughputChange float64 // Percentage change in encrypt MB/s
	DecryptThroughputChange float64 // Percentage change in decrypt MB/s
	SignificantRegression   bool
	Details                 []string
}

func main() {
	var (
		corpusDir      = flag.String("dir", "filecrypt-bench-data", "Corpus directory (created if missing, reused if present)")
		workers        = flag.Int("workers", 4, "Worker goroutines per phase")
		cycles         = flag.Int("cycles", 1, "Encrypt/decrypt round trips over the corpus")
		filesPerClass  = flag.Int("files-per-class", 16, "Files generated per size class")
		metricsDir     = flag.String("metrics-dir", "testdata/metrics", "Directory for timestamped run metrics")
		baselineFile   = flag.String("baseline", "testdata/baselines/bench_baseline.json", "Baseline file for regression analysis")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		updateBaseline = flag.Bool("update-baseline", false, "Update the baseline instead of checking regression")
		scrapeURL      = flag.String("scrape", "", "Summarize a running daemon's metrics endpoint and exit")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	// Setup logging
	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if *scrapeURL != "" {
		if err := runScrape(*scrapeURL); err != nil {
			fmt.Printf("❌ Scrape failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Println("=== filecrypt Benchmark Harness ===")
	fmt.Printf("Corpus Dir: %s\n", *corpusDir)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Cycles: %d\n", *cycles)
	fmt.Printf("Files per Size Class: %d\n", *filesPerClass)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)
	fmt.Println()

	if err := run(*corpusDir, *workers, *cycles, *filesPerClass, *metricsDir, *baselineFile, *threshold, *updateBaseline, logger); err != nil {
		fmt.Printf("❌ Benchmark failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ Benchmark passed")
}

func run(corpusDir string, workers, cycles, filesPerClass int, metricsDir, baselineFile string, threshold float64, updateBaseline bool, logger *logrus.Logger) error {
	ctx := context.Background()
	if cycles < 1 {
		cycles = 1
	}
	if filesPerClass < 1 {
		filesPerClass = 1
	}

	paths, corpusBytes, err := generateCorpus(corpusDir, filesPerClass, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Corpus ready: %d files, %.1f MB\n\n", len(paths), float64(corpusBytes)/(1<<20))

	engine := crypto.NewEngine(logger)
	manager := keystore.NewManager(keystore.NewFileStore(filepath.Join(corpusDir, "bench.key")), logger)
	key, err := manager.Generate()
	if err != nil {
		return err
	}
	defer key.Zero()

	// Source deletion keeps each cycle starting from a clean corpus, and
	// preserved timestamps keep the digest cache valid across cycles.
	cfg := config.ProcessingConfig{
		Workers:            workers,
		EncryptSuffix:      ".fc",
		MaxFileSize:        1 << 30,
		PreserveTimestamps: true,
		DeleteSource:       true,
	}
	processor := fileproc.NewProcessor(cfg, engine, key, logger)
	verifier := crypto.NewVerifier()
	digests := cache.NewMemoryCache(len(paths)*2, time.Hour)

	var (
		encOutcomes    []phaseOutcome
		decOutcomes    []phaseOutcome
		verifyFailures int
	)
	startTime := time.Now()

	for cycle := 1; cycle <= cycles; cycle++ {
		fmt.Printf("--- Cycle %d/%d ---\n", cycle, cycles)

		expected, err := digestTree(ctx, verifier, digests, paths)
		if err != nil {
			return fmt.Errorf("failed to digest corpus: %w", err)
		}

		enc := runPhase(ctx, processor, paths, fileproc.ModeEncrypt, workers, logger)
		fmt.Printf("Encrypted %d files in %v\n", len(enc.latencies), enc.duration.Round(time.Millisecond))
		encOutcomes = append(encOutcomes, enc)

		dec := runPhase(ctx, processor, enc.outputs, fileproc.ModeDecrypt, workers, logger)
		fmt.Printf("Decrypted %d files in %v\n", len(dec.latencies), dec.duration.Round(time.Millisecond))
		decOutcomes = append(decOutcomes, dec)

		verifyFailures += verifyRoundTrip(verifier, expected)
		fmt.Println()
	}
	totalDuration := time.Since(startTime)

	stats := digests.Stats()
	current := &BenchMetrics{
		Timestamp:      time.Now(),
		Suite:          crypto.SuiteAES256CBCHMACSHA256,
		Workers:        workers,
		Cycles:         cycles,
		CorpusFiles:    len(paths),
		CorpusBytes:    corpusBytes,
		Duration:       totalDuration,
		Encrypt:        buildPhase("encrypt", encOutcomes),
		Decrypt:        buildPhase("decrypt", decOutcomes),
		VerifyFailures: verifyFailures,
		CacheHits:      stats.Hits,
		CacheMisses:    stats.Misses,
	}

	printBenchResults(current)

	if path, err := saveMetrics(current, metricsDir); err != nil {
		logger.WithError(err).Warn("Failed to save metrics file")
	} else {
		fmt.Printf("Metrics written to %s\n", path)
	}

	if verifyFailures > 0 {
		return fmt.Errorf("round-trip verification failed for %d files", verifyFailures)
	}

	// Handle baseline/regression logic
	if updateBaseline {
		if err := saveBaseline(current, baselineFile); err != nil {
			return fmt.Errorf("failed to update baseline: %w", err)
		}
		fmt.Println("✅ Baseline updated")
		return nil
	}

	regression, err := analyzeRegression(current, baselineFile, threshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("ℹ️  No baseline found - run with -update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	printRegressionResult(regression)
	if regression.SignificantRegression {
		return fmt.Errorf("significant performance regression detected")
	}
	return nil
}

// generateCorpus fills dir with random files in each size class. Files
// already present with the expected size are reused.
func generateCorpus(dir string, perClass int, logger *logrus.Logger) ([]string, int64, error) {
	paths := make([]string, 0, len(corpusClasses)*perClass)
	var total int64
	for _, class := range corpusClasses {
		classDir := filepath.Join(dir, class.name)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			return nil, 0, fmt.Errorf("failed to create corpus directory %s: %w", classDir, err)
		}
		for i := 0; i < perClass; i++ {
			path := filepath.Join(classDir, fmt.Sprintf("%s_%03d.bin", class.name, i))
			if info, err := os.Stat(path); err == nil && info.Size() == class.size {
				paths = append(paths, path)
				total += class.size
				continue
			}
			if err := writeRandomFile(path, class.size); err != nil {
				return nil, 0, err
			}
			paths = append(paths, path)
			total += class.size
		}
	}
	logger.WithFields(logrus.Fields{
		"files": len(paths),
		"bytes": total,
	}).Debug("corpus generated")
	return paths, total, nil
}

func writeRandomFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create corpus file %s: %w", path, err)
	}
	if _, err := io.CopyN(f, rand.Reader, size); err != nil {
		f.Close()
		return fmt.Errorf("failed to write corpus file %s: %w", path, err)
	}
	return f.Close()
}

// digestTree fingerprints every path, going through the digest cache so
// unchanged files are not rehashed on later cycles.
func digestTree(ctx context.Context, verifier *crypto.Verifier, digests cache.Cache, paths []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if d, ok := digests.Get(ctx, path, info.Size(), info.ModTime()); ok {
			out[path] = d
			continue
		}
		d, err := verifier.DigestFile(path)
		if err != nil {
			return nil, err
		}
		if err := digests.Set(ctx, path, info.Size(), info.ModTime(), d, 0); err != nil {
			return nil, err
		}
		out[path] = d
	}
	return out, nil
}

type phaseOutcome struct {
	latencies []time.Duration
	bytes     int64
	failed    int
	outputs   []string
	duration  time.Duration
}

// runPhase pushes every path through the processor with a bounded worker
// pool and collects per-file latencies. Failures are counted, not fatal.
func runPhase(ctx context.Context, processor *fileproc.Processor, paths []string, mode fileproc.Mode, workers int, logger *logrus.Logger) phaseOutcome {
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	outcome := phaseOutcome{
		latencies: make([]time.Duration, 0, len(paths)),
		outputs:   make([]string, 0, len(paths)),
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(workers)
	for _, path := range paths {
		g.Go(func() error {
			result, err := processor.ProcessFile(ctx, path, mode)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcome.failed++
				logger.WithError(err).WithField("path", path).Warn("Failed to process file")
				return nil
			}
			outcome.latencies = append(outcome.latencies, result.Duration)
			outcome.bytes += result.BytesIn
			outcome.outputs = append(outcome.outputs, result.Output)
			return nil
		})
	}
	g.Wait()
	outcome.duration = time.Since(start)
	return outcome
}

// verifyRoundTrip rehashes every file and compares against its
// pre-encryption digest. The cache is deliberately bypassed here.
func verifyRoundTrip(verifier *crypto.Verifier, expected map[string][]byte) int {
	var failures int
	for path, want := range expected {
		got, err := verifier.DigestFile(path)
		if err != nil {
			fmt.Printf("❌ Verify failed for %s: %v\n", path, err)
			failures++
			continue
		}
		if !verifier.VerifyDigest(got, want) {
			fmt.Printf("❌ Round-trip digest mismatch: %s\n", path)
			failures++
		}
	}
	return failures
}

func buildPhase(operation string, outcomes []phaseOutcome) PhaseMetrics {
	var latencies []time.Duration
	phase := PhaseMetrics{Operation: operation}
	for _, o := range outcomes {
		latencies = append(latencies, o.latencies...)
		phase.Bytes += o.bytes
		phase.Files += len(o.latencies)
		phase.Failed += o.failed
		phase.Duration += o.duration
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		phase.MinLatency = latencies[0]
		phase.MaxLatency = latencies[len(latencies)-1]
		phase.AvgLatency = calculateAverageLatency(latencies)
		phase.P50Latency = calculatePercentileLatency(latencies, 0.50)
		phase.P95Latency = calculatePercentileLatency(latencies, 0.95)
		phase.P99Latency = calculatePercentileLatency(latencies, 0.99)
	}
	if phase.Duration > 0 {
		phase.ThroughputMBs = float64(phase.Bytes) / phase.Duration.Seconds() / (1 << 20)
		phase.FilesPerSec = float64(phase.Files) / phase.Duration.Seconds()
	}
	return phase
}

func calculateAverageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, lat := range latencies {
		total += lat
	}
	return total / time.Duration(len(latencies))
}

// calculatePercentileLatency picks the requested percentile from an
// ascending-sorted slice.
func calculatePercentileLatency(latencies []time.Duration, percentile float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	index := int(float64(len(latencies)-1) * percentile)
	return latencies[index]
}

// Baseline and regression tracking functions
func saveBaseline(metrics *BenchMetrics, filename string) error {
	// Ensure directory exists
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

func loadBaseline(filename string) (*BenchMetrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var metrics BenchMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, err
	}

	return &metrics, nil
}

func saveMetrics(metrics *BenchMetrics, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("bench_%s.json", metrics.Timestamp.Format("20060102_150405")))
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return "", err
	}

	return path, os.WriteFile(path, data, 0644)
}

// analyzeRegression compares the current run against the stored baseline
// and flags swings beyond the threshold in either direction.
func analyzeRegression(current *BenchMetrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := loadBaseline(baselineFile)
	if err != nil {
		return nil, err
	}

	result := &RegressionResult{
		Baseline: baseline,
		Current:  current,
		Details:  []string{},
	}

	if baseline.Encrypt.AvgLatency > 0 {
		change := float64(current.Encrypt.AvgLatency-baseline.Encrypt.AvgLatency) / float64(baseline.Encrypt.AvgLatency) * 100
		result.EncryptLatencyChange = change
		if math.Abs(change) > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Encrypt latency changed %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Decrypt.AvgLatency > 0 {
		change := float64(current.Decrypt.AvgLatency-baseline.Decrypt.AvgLatency) / float64(baseline.Decrypt.AvgLatency) * 100
		result.DecryptLatencyChange = change
		if math.Abs(change) > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Decrypt latency changed %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Encrypt.ThroughputMBs > 0 {
		change := (current.Encrypt.ThroughputMBs - baseline.Encrypt.ThroughputMBs) / baseline.Encrypt.ThroughputMBs * 100
		result.EncryptThroughputChange = change
		if math.Abs(change) > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Encrypt throughput changed %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Decrypt.ThroughputMBs > 0 {
		change := (current.Decrypt.ThroughputMBs - baseline.Decrypt.ThroughputMBs) / baseline.Decrypt.ThroughputMBs * 100
		result.DecryptThroughputChange = change
		if math.Abs(change) > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Decrypt throughput changed %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	return result, nil
}

func printBenchResults(metrics *BenchMetrics) {
	fmt.Printf("\n=== Benchmark Results ===\n")
	fmt.Printf("Timestamp: %s\n", metrics.Timestamp.Format(time.RFC3339))
	fmt.Printf("Suite: %s\n", metrics.Suite)
	fmt.Printf("Corpus: %d files, %d bytes\n", metrics.CorpusFiles, metrics.CorpusBytes)
	fmt.Printf("Workers: %d\n", metrics.Workers)
	fmt.Printf("Cycles: %d\n", metrics.Cycles)
	fmt.Printf("Total Duration: %v\n", metrics.Duration)

	printPhaseResults(&metrics.Encrypt)
	printPhaseResults(&metrics.Decrypt)

	fmt.Printf("\nRound-Trip Verify Failures: %d\n", metrics.VerifyFailures)
	fmt.Printf("Digest Cache: %d hits, %d misses\n", metrics.CacheHits, metrics.CacheMisses)
	fmt.Printf("=========================\n\n")
}

func printPhaseResults(phase *PhaseMetrics) {
	fmt.Printf("\n--- %s ---\n", phase.Operation)
	fmt.Printf("Files: %d\n", phase.Files)
	fmt.Printf("Failed: %d\n", phase.Failed)
	fmt.Printf("Bytes: %d\n", phase.Bytes)
	fmt.Printf("Duration: %v\n", phase.Duration)
	fmt.Printf("Latency (avg): %v\n", phase.AvgLatency)
	fmt.Printf("Latency (p50): %v\n", phase.P50Latency)
	fmt.Printf("Latency (p95): %v\n", phase.P95Latency)
	fmt.Printf("Latency (p99): %v\n", phase.P99Latency)
	fmt.Printf("Min Latency: %v\n", phase.MinLatency)
	fmt.Printf("Max Latency: %v\n", phase.MaxLatency)
	fmt.Printf("Throughput: %.2f MB/s (%.1f files/s)\n", phase.ThroughputMBs, phase.FilesPerSec)
}

// printRegressionResult prints regression analysis results.
func printRegressionResult(result *RegressionResult) {
	fmt.Printf("\n=== Regression Analysis ===\n")
	fmt.Printf("Significant Regression: %t\n", result.SignificantRegression)
	fmt.Printf("Encrypt Latency Change: %.2f%%\n", result.EncryptLatencyChange)
	fmt.Printf("Decrypt Latency Change: %.2f%%\n", result.DecryptLatencyChange)
	fmt.Printf("Encrypt Throughput Change: %.2f%%\n", result.EncryptThroughputChange)
	fmt.Printf("Decrypt Throughput Change: %.2f%%\n", result.DecryptThroughputChange)

	if len(result.Details) > 0 {
		fmt.Printf("\nDetails:\n")
		for _, detail := range result.Details {
			fmt.Printf("- %s\n", detail)
		}
	}

	fmt.Printf("===========================\n\n")
}

// runScrape fetches a running daemon's Prometheus endpoint and summarizes
// the filecrypt series from the text exposition.
func runScrape(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned %s", resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse metrics exposition: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if strings.HasPrefix(name, "filecrypt_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("ℹ️  No filecrypt series exposed")
		return nil
	}

	fmt.Printf("=== Metrics from %s ===\n", url)
	for _, name := range names {
		family := families[name]
		for _, m := range family.GetMetric() {
			var labels string
			if pairs := m.GetLabel(); len(pairs) > 0 {
				parts := make([]string, 0, len(pairs))
				for _, pair := range pairs {
					parts = append(parts, fmt.Sprintf("%s=%q", pair.GetName(), pair.GetValue()))
				}
				labels = "{" + strings.Join(parts, ",") + "}"
			}
			switch {
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Printf("%s%s: count=%d sum=%.3f\n", name, labels, h.GetSampleCount(), h.GetSampleSum())
			case m.GetSummary() != nil:
				s := m.GetSummary()
				fmt.Printf("%s%s: count=%d sum=%.3f\n", name, labels, s.GetSampleCount(), s.GetSampleSum())
			case m.GetCounter() != nil:
				fmt.Printf("%s%s: %g\n", name, labels, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Printf("%s%s: %g\n", name, labels, m.GetGauge().GetValue())
			case m.GetUntyped() != nil:
				fmt.Printf("%s%s: %g\n", name, labels, m.GetUntyped().GetValue())
			}
		}
	}
	return nil
}
