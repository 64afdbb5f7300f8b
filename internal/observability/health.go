package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status classifies a component or the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// HealthCheck probes one component. A nil return means healthy.
type HealthCheck func(ctx context.Context) error

// ComponentHealth is one component's last probe result.
type ComponentHealth struct {
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	LatencyMs int64         `json:"latency_ms"`
	Checked   time.Time     `json:"checked"`
	Took      time.Duration `json:"-"`
}

// SystemHealth aggregates all components.
type SystemHealth struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Uptime     string                     `json:"uptime"`
	Timestamp  time.Time                  `json:"ts"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	timeout time.Duration
	started time.Time
}

// NewHealthMonitor creates a monitor. Each check gets its own timeout.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		checks:  make(map[string]HealthCheck),
		timeout: timeout,
		started: time.Now(),
	}
}

// Register adds a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check probes every component. The process is unhealthy if any component is.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	health := SystemHealth{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(checks)),
		Uptime:     time.Since(m.started).Round(time.Second).String(),
		Timestamp:  time.Now(),
	}

	for name, check := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := check(probeCtx)
		cancel()

		ch := ComponentHealth{
			Status:    StatusHealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Checked:   time.Now(),
		}
		if err != nil {
			ch.Status = StatusUnhealthy
			ch.Error = err.Error()
			health.Status = StatusUnhealthy
		}
		health.Components[name] = ch
	}
	return health
}

// ServeHTTP implements the /healthz endpoint: 200 when healthy, 503 otherwise.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health := m.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if health.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}
