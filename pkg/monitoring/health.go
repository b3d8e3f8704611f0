package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// ErrDegraded marks a probe failure that leaves the component usable.
var ErrDegraded = errors.New("degraded")

// HealthCheck is the result of one probe
type HealthCheck struct {
	Name     string                 `json:"name"`
	Status   HealthStatus           `json:"status"`
	Critical bool                   `json:"critical"`
	Message  string                 `json:"message,omitempty"`
	Duration string                 `json:"duration"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Service   string        `json:"service"`
	Version   string        `json:"version"`
	Checks    []HealthCheck `json:"checks"`
}

// Probe reads a collaborator and returns the details worth reporting.
type Probe func(ctx context.Context) (map[string]interface{}, error)

type registeredProbe struct {
	probe    Probe
	critical bool
}

// HealthManager runs the registered probes
type HealthManager struct {
	serviceName    string
	serviceVersion string
	timeout        time.Duration

	mu     sync.RWMutex
	probes map[string]registeredProbe
}

// NewHealthManager creates a new health manager
func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		timeout:        5 * time.Second,
		probes:         make(map[string]registeredProbe),
	}
}

// Register adds a probe under name. A failing critical probe makes the
// service unhealthy; any other failure only degrades it.
func (hm *HealthManager) Register(name string, critical bool, probe Probe) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.probes[name] = registeredProbe{probe: probe, critical: critical}
}

// CheckHealth runs every probe concurrently and folds the results
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	probes := make(map[string]registeredProbe, len(hm.probes))
	for name, p := range hm.probes {
		probes[name] = p
	}
	hm.mu.RUnlock()

	checks := make([]HealthCheck, 0, len(probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p registeredProbe) {
			defer wg.Done()
			check := hm.run(ctx, name, p)
			mu.Lock()
			checks = append(checks, check)
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Service:   hm.serviceName,
		Version:   hm.serviceVersion,
		Checks:    checks,
	}
	for _, check := range checks {
		switch {
		case check.Status == HealthStatusUnhealthy && check.Critical:
			report.Status = HealthStatusUnhealthy
		case check.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy:
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

func (hm *HealthManager) run(ctx context.Context, name string, p registeredProbe) HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	start := time.Now()
	details, err := p.probe(ctx)
	check := HealthCheck{
		Name:     name,
		Status:   HealthStatusHealthy,
		Critical: p.critical,
		Duration: time.Since(start).String(),
		Details:  details,
	}
	switch {
	case errors.Is(err, ErrDegraded):
		check.Status = HealthStatusDegraded
		check.Message = err.Error()
	case err != nil:
		check.Status = HealthStatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler serves the health report; only an unhealthy service answers 503
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// DatabaseProbe pings the record store database and reports pool usage.
// A pool within five connections of its limit is reported as degraded.
func DatabaseProbe(db *sql.DB) Probe {
	return func(ctx context.Context) (map[string]interface{}, error) {
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("database ping failed: %w", err)
		}

		stats := db.Stats()
		details := map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
		}
		if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections-5 {
			return details, fmt.Errorf("%w: connection pool nearly exhausted", ErrDegraded)
		}
		return details, nil
	}
}
