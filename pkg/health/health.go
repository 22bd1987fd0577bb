package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/inhalteselektor/pkg/json"
)

// Status represents the health status
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// HealthCheck represents a health check
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// CheckFunc adapts a function to HealthCheck.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheck(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }

func (c *CheckFunc) Name() string { return c.name }

// HealthChecker manages health checks
type HealthChecker struct {
	checks  []HealthCheck
	mu      sync.RWMutex
	timeout time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:  make([]HealthCheck, 0),
		timeout: 2 * time.Second,
	}
}

// Register adds a new health check
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]error)
	for _, check := range hc.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Report is the serialized outcome of all checks.
type Report struct {
	Status    Status            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// Failing lists the names of failed checks in order.
func (r Report) Failing() []string {
	var names []string
	for name, status := range r.Checks {
		if status != string(StatusUp) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Report runs every check under the checker's timeout.
func (hc *HealthChecker) Report(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	report := Report{Status: StatusUp, Checks: map[string]string{}, Timestamp: time.Now().UTC()}
	for name, err := range hc.Check(ctx) {
		if err != nil {
			report.Status = StatusDown
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = string(StatusUp)
	}
	return report
}

// Handler serves the report as JSON, with 503 when any check fails.
func (hc *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := hc.Report(r.Context())
		code := http.StatusOK
		if report.Status != StatusUp {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})
}
