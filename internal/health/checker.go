// Package health aggregates component checks into the /health endpoints.
//
// A check reports one of three levels. A nil error is healthy. An error
// wrapped with Degraded means the component still serves, with reduced
// quality. Any other error is unhealthy. The aggregate takes the worst level,
// and only an unhealthy aggregate makes /health and /health/ready return 503.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Status is the level reported for a check or for the whole service.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Serving reports whether a component at this level can still take traffic.
func (s Status) Serving() bool {
	return s == StatusHealthy || s == StatusDegraded
}

type degradedError struct {
	err error
}

func (e *degradedError) Error() string { return e.err.Error() }
func (e *degradedError) Unwrap() error { return e.err }

// Degraded marks err as a degraded result rather than a failure.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return &degradedError{err: err}
}

// IsDegraded reports whether err was marked with Degraded.
func IsDegraded(err error) bool {
	var d *degradedError
	return errors.As(err, &d)
}

// StatusOf maps a check result to its level.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusHealthy
	case IsDegraded(err):
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Checker is a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus is the result of a single check.
type CheckStatus struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	LastCheck time.Time     `json:"last_check"`
}

// HealthResponse is the body of every health endpoint.
type HealthResponse struct {
	Status    Status                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
}

// HealthChecker runs registered checks and serves their aggregate.
type HealthChecker struct {
	config  Config
	started time.Time

	mu       sync.RWMutex
	checks   map[string]Checker
	statuses map[string]*CheckStatus
}

// NewChecker creates a new health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}

	return &HealthChecker{
		config:   config,
		started:  time.Now(),
		checks:   make(map[string]Checker),
		statuses: make(map[string]*CheckStatus),
	}
}

// AddCheck registers a check under name.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
	h.statuses[name] = &CheckStatus{Name: name, Status: StatusUnknown}
}

// Check runs every check concurrently, each under CheckTimeout.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, checker := range h.checks {
		checks[name] = checker
	}
	h.mu.RUnlock()

	results := make(chan *CheckStatus, len(checks))
	for name, checker := range checks {
		go func(name string, checker Checker) {
			results <- h.run(ctx, name, checker)
		}(name, checker)
	}

	response := h.response(StatusHealthy)
	response.Checks = make(map[string]*CheckStatus, len(checks))
	for range checks {
		status := <-results
		response.Checks[status.Name] = status
		if status.Status.rank() > response.Status.rank() {
			response.Status = status.Status
		}
	}

	h.mu.Lock()
	for name, status := range response.Checks {
		if _, ok := h.checks[name]; ok {
			h.statuses[name] = status
		}
	}
	h.mu.Unlock()

	return response
}

func (h *HealthChecker) run(ctx context.Context, name string, checker Checker) *CheckStatus {
	checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(checkCtx)

	status := &CheckStatus{
		Name:      name,
		Status:    StatusOf(err),
		Latency:   time.Since(start),
		LastCheck: start,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

func (h *HealthChecker) response(status Status) *HealthResponse {
	return &HealthResponse{
		Status:    status,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    h.Uptime().String(),
	}
}

func writeResponse(w http.ResponseWriter, response *HealthResponse) {
	code := http.StatusOK
	if !response.Status.Serving() {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

// HealthHandler serves the full check report.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.Check(r.Context()))
}

// LivenessHandler returns 200 while the process runs, whatever the device and
// broker state.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.response(StatusHealthy))
}

// ReadinessHandler returns 200 unless some check is unhealthy. A degraded
// device still serves its last good values.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	response.Checks = nil
	writeResponse(w, response)
}

// GetStatus returns the cached result of the last run of a check.
func (h *HealthChecker) GetStatus(name string) *CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.started).Truncate(time.Second)
}

// IsHealthy reports whether every check passes outright.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status == StatusHealthy
}
