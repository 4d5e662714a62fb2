// Package audit records an in-memory trail of key lifecycle and file
// processing events, mirrored to a pluggable writer as JSON lines. The trail
// is what the ops endpoint serves; the writer is what survives restarts.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeKeyGenerate represents key material generation.
	EventTypeKeyGenerate EventType = "key_generate"
	// EventTypeKeyRotate represents a key rotation.
	EventTypeKeyRotate EventType = "key_rotate"
	// EventTypeEncrypt represents a file encryption.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a file decryption.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeIntegrityFailure represents a rejected token whose
	// authentication tag did not verify.
	EventTypeIntegrityFailure EventType = "integrity_failure"
	// EventTypeBatch represents a completed batch run.
	EventTypeBatch EventType = "batch"
	// EventTypeWatch represents a watcher-triggered processing event.
	EventTypeWatch EventType = "watch"
)

// Event represents a single audit log event.
type Event struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	EventType      EventType              `json:"event_type"`
	Path           string                 `json:"path,omitempty"`
	KeyFingerprint string                 `json:"key_fingerprint,omitempty"`
	BatchID        string                 `json:"batch_id,omitempty"`
	Bytes          int64                  `json:"bytes,omitempty"`
	DurationMS     int64                  `json:"duration_ms,omitempty"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(event *Event)

	// LogKeyGenerate records key material generation.
	LogKeyGenerate(fingerprint string, success bool, err error)

	// LogKeyRotate records a key rotation.
	LogKeyRotate(previousFingerprint, fingerprint string, success bool, err error)

	// LogEncrypt records a file encryption.
	LogEncrypt(path, fingerprint, batchID string, bytes int64, duration time.Duration, err error)

	// LogDecrypt records a file decryption.
	LogDecrypt(path, fingerprint, batchID string, bytes int64, duration time.Duration, err error)

	// LogIntegrityFailure records a token rejected before decryption.
	LogIntegrityFailure(path, fingerprint string, err error)

	// LogBatch records a completed batch run.
	LogBatch(batchID, root string, processed, failed int, duration time.Duration, err error)

	// LogWatch records a watcher-triggered processing event.
	LogWatch(dir, path string, success bool, err error)

	// Events returns up to limit recent events, newest last. A limit of 0
	// returns everything retained.
	Events(limit int) []*Event
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger retaining up to maxEvents events in
// memory. A nil writer falls back to JSON lines on stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}

	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log records an audit event. Writer failures are swallowed; audit must
// never fail the operation it describes.
func (l *auditLogger) Log(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.writer.WriteEvent(event)

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// LogKeyGenerate records key material generation.
func (l *auditLogger) LogKeyGenerate(fingerprint string, success bool, err error) {
	event := &Event{
		EventType:      EventTypeKeyGenerate,
		KeyFingerprint: fingerprint,
		Success:        success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeyRotate records a key rotation.
func (l *auditLogger) LogKeyRotate(previousFingerprint, fingerprint string, success bool, err error) {
	event := &Event{
		EventType:      EventTypeKeyRotate,
		KeyFingerprint: fingerprint,
		Success:        success,
	}
	if previousFingerprint != "" {
		event.Metadata = map[string]interface{}{"previous_fingerprint": previousFingerprint}
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogEncrypt records a file encryption.
func (l *auditLogger) LogEncrypt(path, fingerprint, batchID string, bytes int64, duration time.Duration, err error) {
	l.logFileOp(EventTypeEncrypt, path, fingerprint, batchID, bytes, duration, err)
}

// LogDecrypt records a file decryption.
func (l *auditLogger) LogDecrypt(path, fingerprint, batchID string, bytes int64, duration time.Duration, err error) {
	l.logFileOp(EventTypeDecrypt, path, fingerprint, batchID, bytes, duration, err)
}

func (l *auditLogger) logFileOp(et EventType, path, fingerprint, batchID string, bytes int64, duration time.Duration, err error) {
	event := &Event{
		EventType:      et,
		Path:           path,
		KeyFingerprint: fingerprint,
		BatchID:        batchID,
		Bytes:          bytes,
		DurationMS:     duration.Milliseconds(),
		Success:        err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogIntegrityFailure records a token rejected before decryption.
func (l *auditLogger) LogIntegrityFailure(path, fingerprint string, err error) {
	event := &Event{
		EventType:      EventTypeIntegrityFailure,
		Path:           path,
		KeyFingerprint: fingerprint,
		Success:        false,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogBatch records a completed batch run.
func (l *auditLogger) LogBatch(batchID, root string, processed, failed int, duration time.Duration, err error) {
	event := &Event{
		EventType:  EventTypeBatch,
		Path:       root,
		BatchID:    batchID,
		DurationMS: duration.Milliseconds(),
		Success:    err == nil,
		Metadata: map[string]interface{}{
			"processed": processed,
			"failed":    failed,
		},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogWatch records a watcher-triggered processing event.
func (l *auditLogger) LogWatch(dir, path string, success bool, err error) {
	event := &Event{
		EventType: EventTypeWatch,
		Path:      path,
		Success:   success,
		Metadata:  map[string]interface{}{"watch_dir": dir},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns up to limit recent events, newest last.
func (l *auditLogger) Events(limit int) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if limit > 0 && len(l.events) > limit {
		start = len(l.events) - limit
	}

	events := make([]*Event, len(l.events)-start)
	copy(events, l.events[start:])
	return events
}

// jsonWriter writes events as JSON lines to an io.Writer.
type jsonWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns an EventWriter emitting one JSON document per line.
func NewJSONWriter(out io.Writer) EventWriter {
	return &jsonWriter{out: out}
}

func (w *jsonWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.out, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// FileWriter appends JSON lines to an audit log file.
type FileWriter struct {
	inner EventWriter
	file  *os.File
}

// NewFileWriter opens (or creates) the audit log at path for appending.
func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	return &FileWriter{inner: NewJSONWriter(f), file: f}, nil
}

// WriteEvent implements EventWriter.
func (w *FileWriter) WriteEvent(event *Event) error {
	return w.inner.WriteEvent(event)
}

// Close closes the underlying audit log file.
func (w *FileWriter) Close() error {
	return w.file.Close()
}

// Discard is an EventWriter that drops every event. Useful when only the
// in-memory trail is wanted.
type Discard struct{}

// WriteEvent implements EventWriter.
func (Discard) WriteEvent(*Event) error { return nil }
