// Package fileproc transforms files on disk with the crypto engine.
//
// Single files are rewritten atomically: the transformed content goes
// to a temporary file in the destination directory and replaces the
// target with a rename. Batch runs walk a directory tree and process
// files on a bounded worker pool, tolerating per-file failures.
package fileproc

import (
	"errors"
	"time"
)

// ErrFileTooLarge is returned when a file exceeds the configured size
// limit. Files are read whole into memory before transformation.
var ErrFileTooLarge = errors.New("fileproc: file exceeds configured size limit")

// Mode selects the transformation applied to files.
type Mode string

const (
	ModeEncrypt Mode = "encrypt"
	ModeDecrypt Mode = "decrypt"
)

// Status tracks a file task through its processing steps. A task moves
// pending -> reading -> transforming -> writing -> done, or to failed
// from any step.
type Status string

const (
	StatusPending      Status = "pending"
	StatusReading      Status = "reading"
	StatusTransforming Status = "transforming"
	StatusWriting      Status = "writing"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
)

// Result describes the outcome of processing a single file.
type Result struct {
	Input    string
	Output   string
	Mode     Mode
	Status   Status
	BytesIn  int64
	BytesOut int64
	Duration time.Duration
	Err      error
}

// Failure records a file that could not be processed during a batch run.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary aggregates the outcome of a batch run. Counters reflect work
// that actually happened: files neither processed nor skipped before an
// abort or cancellation are not counted.
type Summary struct {
	BatchID   string        `json:"batch_id"`
	Root      string        `json:"root"`
	Mode      Mode          `json:"mode"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	BytesIn   int64         `json:"bytes_in"`
	BytesOut  int64         `json:"bytes_out"`
	Duration  time.Duration `json:"duration"`
	Failures  []Failure     `json:"failures,omitempty"`
}
