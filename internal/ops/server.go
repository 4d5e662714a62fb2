// Package ops serves the operational HTTP endpoints: health, Prometheus
// metrics, runtime status, and the audit event feed.
package ops

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/filecrypt/internal/audit"
	"github.com/kenneth/filecrypt/internal/config"
	"github.com/kenneth/filecrypt/internal/metrics"
	"github.com/kenneth/filecrypt/internal/middleware"
)

// Status is the runtime state served by /status.
type Status struct {
	Version        string `json:"version"`
	Mode           string `json:"mode,omitempty"`
	WatchDir       string `json:"watch_dir,omitempty"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
	Processed      int64  `json:"processed"`
	Failed         int64  `json:"failed"`
	Skipped        int64  `json:"skipped"`
}

// StatusSource reports the current runtime state for the /status endpoint.
type StatusSource interface {
	Status() Status
}

// StatusFunc adapts a plain function to the StatusSource interface.
type StatusFunc func() Status

func (f StatusFunc) Status() Status { return f() }

// Server is the operational HTTP server.
type Server struct {
	cfg       config.OpsConfig
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	auditLog  audit.Logger
	status    StatusSource
	limiter   *middleware.RateLimiter
	server    *http.Server
	startTime time.Time
}

// NewServer creates an operational server from the application configuration.
// auditLog and status may be nil; the corresponding endpoints degrade
// gracefully.
func NewServer(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, auditLog audit.Logger, status StatusSource) *Server {
	s := &Server{
		cfg:       cfg.Ops,
		logger:    logger,
		metrics:   m,
		auditLog:  auditLog,
		status:    status,
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/audit/events", s.handleAuditEvents).Methods("GET")

	handler := middleware.RecoveryMiddleware(logger)(router)
	handler = middleware.LoggingMiddleware(logger, cfg.Ops)(handler)
	handler = middleware.SecurityHeadersMiddleware()(handler)

	if cfg.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		handler = middleware.RateLimitMiddleware(s.limiter)(handler)
	}

	if cfg.Tracing.Enabled {
		handler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(handler)
	}

	s.server = &http.Server{
		Addr:              cfg.Ops.ListenAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Ops.ReadTimeout,
		WriteTimeout:      cfg.Ops.WriteTimeout,
		IdleTimeout:       cfg.Ops.IdleTimeout,
		ReadHeaderTimeout: cfg.Ops.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Ops.MaxHeaderBytes,
		ConnState: func(c net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				m.IncrementActiveConnections()
			case http.StateClosed, http.StateHijacked:
				m.DecrementActiveConnections()
			}
		},
	}

	return s
}

// Handler returns the fully wrapped HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.server.Addr).Info("Starting ops HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Ops HTTP server failed")
		}
	}()
}

// Shutdown gracefully stops the server and the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	err := s.server.Shutdown(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Ops HTTP server forced to shutdown")
	} else {
		s.logger.Info("Ops HTTP server stopped gracefully")
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	s.metrics.RecordHTTPRequest("GET", "/healthz", http.StatusOK, time.Since(start))
}

type statusResponse struct {
	Status
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	resp := statusResponse{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if s.status != nil {
		resp.Status = s.status.Status()
	}

	s.writeJSON(w, http.StatusOK, resp)
	s.metrics.RecordHTTPRequest("GET", "/status", http.StatusOK, time.Since(start))
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if s.auditLog == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit logging disabled"})
		s.metrics.RecordHTTPRequest("GET", "/audit/events", http.StatusNotFound, time.Since(start))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit parameter"})
			s.metrics.RecordHTTPRequest("GET", "/audit/events", http.StatusBadRequest, time.Since(start))
			return
		}
		limit = n
	}

	events := s.auditLog.Events(limit)
	if events == nil {
		events = []*audit.Event{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
	s.metrics.RecordHTTPRequest("GET", "/audit/events", http.StatusOK, time.Since(start))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
