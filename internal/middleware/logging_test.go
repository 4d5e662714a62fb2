package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/filecrypt/internal/config"
)

func TestLoggingMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Suppress log output during tests

	cfg := config.OpsConfig{
		AccessLogFormat: "default",
		RedactHeaders:   []string{"authorization"},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	middleware := LoggingMiddleware(logger, cfg)
	wrapped := middleware(handler)

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)
	if rw.statusCode != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rw.statusCode)
	}

	n, err := rw.Write([]byte("test"))
	if err != nil {
		t.Errorf("Write returned error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected to write 4 bytes, wrote %d", n)
	}
	if rw.bytesWritten != 4 {
		t.Errorf("expected bytesWritten to be 4, got %d", rw.bytesWritten)
	}
}

func TestLoggingFormats(t *testing.T) {
	tests := []struct {
		name           string
		format         string
		redactHeaders  []string
		expectedFields map[string]bool // fields that should be present in log output
	}{
		{
			name:           "default format",
			format:         "default",
			redactHeaders:  []string{"authorization"},
			expectedFields: map[string]bool{"method": true, "path": true, "status": true, "duration_ms": true, "bytes": true},
		},
		{
			name:           "json format",
			format:         "json",
			redactHeaders:  []string{"authorization", "x-api-key"},
			expectedFields: map[string]bool{"json": true},
		},
		{
			name:           "clf format",
			format:         "clf",
			redactHeaders:  []string{"authorization"},
			expectedFields: map[string]bool{"clf": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logrus.New()
			logger.SetLevel(logrus.InfoLevel)

			var capturedOutput string
			logger.SetOutput(&testWriter{output: &capturedOutput})
			logger.SetFormatter(&logrus.JSONFormatter{})

			cfg := config.OpsConfig{
				AccessLogFormat: tt.format,
				RedactHeaders:   tt.redactHeaders,
			}

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("test response"))
			})

			middleware := LoggingMiddleware(logger, cfg)
			wrapped := middleware(handler)

			req := httptest.NewRequest("GET", "/audit/events?limit=10", nil)
			req.Header.Set("User-Agent", "test-agent")
			req.Header.Set("Authorization", "Bearer secret-token")
			req.Header.Set("X-Api-Key", "sensitive-key")
			req.Header.Set("Accept", "application/json")

			w := httptest.NewRecorder()
			wrapped.ServeHTTP(w, req)

			for field := range tt.expectedFields {
				if !strings.Contains(capturedOutput, field) {
					t.Errorf("expected log output to contain field %q, got: %s", field, capturedOutput)
				}
			}

			if tt.format == "json" {
				if !strings.Contains(capturedOutput, `"json":`) {
					t.Errorf("expected JSON format output, got: %s", capturedOutput)
				}
				if len(tt.redactHeaders) > 0 && !strings.Contains(capturedOutput, "[REDACTED]") {
					t.Errorf("expected some headers to be redacted, got: %s", capturedOutput)
				}
				if strings.Contains(capturedOutput, "secret-token") {
					t.Errorf("secret leaked into log output: %s", capturedOutput)
				}
			}
		})
	}
}

func TestShouldRedactHeader(t *testing.T) {
	tests := []struct {
		headerName    string
		redactHeaders []string
		expected      bool
	}{
		{"authorization", []string{"authorization", "x-api-key"}, true},
		{"x-api-key", []string{"authorization", "x-api-key"}, true},
		{"content-type", []string{"authorization", "x-api-key"}, false},
		{"AUTHORIZATION", []string{"authorization"}, true}, // case insensitive
		{"user-agent", []string{}, false},                  // no redaction list
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.headerName, tt.redactHeaders), func(t *testing.T) {
			result := shouldRedactHeader(tt.headerName, tt.redactHeaders)
			if result != tt.expected {
				t.Errorf("shouldRedactHeader(%q, %v) = %v, expected %v", tt.headerName, tt.redactHeaders, result, tt.expected)
			}
		})
	}
}

func TestCreateLogEntry(t *testing.T) {
	cfg := config.OpsConfig{
		AccessLogFormat: "json",
		RedactHeaders:   []string{"authorization", "x-api-key"},
	}

	req := httptest.NewRequest("GET", "/audit/events?limit=5", nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("X-Api-Key", "session-key")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "127.0.0.1:12345"

	rw := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
		bytesWritten:   1024,
	}

	entry := createLogEntry(req, rw, 150*time.Millisecond, cfg)

	if entry.Method != "GET" {
		t.Errorf("expected method GET, got %s", entry.Method)
	}
	if entry.Path != "/audit/events" {
		t.Errorf("expected path /audit/events, got %s", entry.Path)
	}
	if entry.Query != "limit=5" {
		t.Errorf("expected query limit=5, got %s", entry.Query)
	}
	if entry.Status != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, entry.Status)
	}
	if entry.Bytes != 1024 {
		t.Errorf("expected bytes 1024, got %d", entry.Bytes)
	}
	if entry.DurationMs != 150 {
		t.Errorf("expected duration 150ms, got %d", entry.DurationMs)
	}

	if entry.Headers == nil {
		t.Fatal("expected headers to be populated for JSON format")
	}

	if entry.Headers["authorization"] != "[REDACTED]" {
		t.Errorf("expected authorization header to be redacted, got %s", entry.Headers["authorization"])
	}
	if entry.Headers["x-api-key"] != "[REDACTED]" {
		t.Errorf("expected x-api-key header to be redacted, got %s", entry.Headers["x-api-key"])
	}
	if entry.Headers["accept"] != "application/json" {
		t.Errorf("expected accept header to not be redacted, got %s", entry.Headers["accept"])
	}
}

// testWriter captures log output for testing
type testWriter struct {
	output *string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	*w.output += string(p)
	return len(p), nil
}
