// Package health provides health check endpoints for a running benchmark.
//
// The package implements probe-style checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (has every participant left setup without failing?)
//   - /health: Overall status with per-check details
//
// Each check returns JSON status:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "rank0": {"status": "healthy", "message": "measuring"},
//	    "fabric": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/piwi3910/ptlbench/internal/bench"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but the run continues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates a fatal failure.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the run.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// CheckFunc performs one named check.
type CheckFunc func(ctx context.Context) Check

// StateSource reports a participant's run state.
type StateSource interface {
	State() (bench.State, error)
}

// Checker performs health checks on the run.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	states map[string]StateSource
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		states: make(map[string]StateSource),
	}
}

// Register adds a named check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[name] = fn
}

// Track adds a participant whose state feeds both the detailed status and
// readiness.
func (c *Checker) Track(name string, src StateSource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.states[name] = src
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	checks := make(map[string]Check, len(c.checks)+len(c.states))

	for name, fn := range c.checks {
		checks[name] = fn(ctx)
	}

	for name, src := range c.states {
		checks[name] = CheckRun(src)
	}

	return &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

// CheckRun turns a participant's state into a check.
func CheckRun(src StateSource) Check {
	state, err := src.State()
	if state == bench.Failed || err != nil {
		msg := state.String()
		if err != nil {
			msg += ": " + err.Error()
		}

		return Check{Status: StatusUnhealthy, Message: msg}
	}

	return Check{Status: StatusHealthy, Message: state.String()}
}

// IsReady reports whether every tracked participant has left setup and none
// has failed.
func (c *Checker) IsReady(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.states) == 0 {
		return false
	}

	for _, src := range c.states {
		state, err := src.State()
		if err != nil || state == bench.Failed || state == bench.Setup {
			return false
		}
	}

	return true
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(ctx context.Context) bool {
	return true
}

// Names lists the registered checks and tracked participants, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks)+len(c.states))
	for n := range c.checks {
		names = append(names, n)
	}

	for n := range c.states {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler returns the detailed status. A degraded run still answers
// 200.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}

// LivenessHandler handles liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
	}
}
