// Package health exposes the HTTP endpoints for container probes and
// Prometheus scrapes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/logging"
)

const (
	checkTimeout      = 2 * time.Second
	readHeaderTimeout = 2 * time.Second

	statusOK       = "ok"
	statusDegraded = "degraded"
	statusError    = "error"
)

// Checker reports whether a dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

// Ping calls f.
func (f CheckFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type namedCheck struct {
	name    string
	checker Checker
}

// Server hosts the probe endpoints and owns the underlying HTTP server.
type Server struct {
	server  *http.Server
	logger  *logrus.Entry
	checks  []namedCheck
	metrics http.Handler
	started time.Time
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithCheck registers a dependency probed by /healthz and /readyz. A nil
// checker is reported as an error.
func WithCheck(name string, checker Checker) Option {
	return func(s *Server) {
		s.checks = append(s.checks, namedCheck{name: name, checker: checker})
	}
}

// WithMetrics serves handler on GET /metrics.
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

// WithStartTime sets the reference for the reported uptime.
func WithStartTime(t time.Time) Option {
	return func(s *Server) {
		s.started = t
	}
}

type response struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// NewServer constructs a server listening on port. GET /healthz always
// answers 200 with the dependency report; GET /readyz answers 503 while any
// check fails.
func NewServer(port int, logger *logrus.Entry, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger:  logger,
		started: time.Now(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(srv)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /readyz", srv.handleReady)
	if srv.metrics != nil {
		mux.Handle("GET /metrics", srv.metrics)
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "health_listen",
		"addr":  s.server.Addr,
	}).Info("starting health server")

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server listen: %w", err)
	}

	s.logger.WithField("event", "health_stopped").Info("health server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.write(w, http.StatusOK, s.report(r.Context()))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := s.report(r.Context())
	code := http.StatusOK
	if resp.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	s.write(w, code, resp)
}

func (s *Server) report(ctx context.Context) response {
	resp := response{
		Status:        statusOK,
		UptimeSeconds: int64(s.now().Sub(s.started) / time.Second),
	}
	if len(s.checks) == 0 {
		return resp
	}

	resp.Checks = make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		resp.Checks[c.name] = statusOK
		if err := s.probe(ctx, c); err != nil {
			resp.Checks[c.name] = statusError
			resp.Status = statusDegraded
			s.logger.WithFields(logging.Fields{
				"event": "health_check_failed",
				"check": c.name,
			}).WithError(err).Warn("dependency check failed")
		}
	}
	return resp
}

func (s *Server) probe(ctx context.Context, c namedCheck) error {
	if c.checker == nil {
		return errors.New("checker is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.checker.Ping(ctx)
}

func (s *Server) write(w http.ResponseWriter, code int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}
