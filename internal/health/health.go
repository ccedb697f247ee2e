// Package health runs dependency checks for the health endpoints. The
// database is critical; the fingerprint cache and the audit broker are
// optional because the service keeps deciding without them.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Overall states reported by CheckAll.
const (
	StatusHealthy   = "healthy"   // every check passed
	StatusDegraded  = "degraded"  // only optional checks failed
	StatusUnhealthy = "unhealthy" // a critical check failed
)

// Checker inspects one dependency. A nil error is healthy.
type Checker func(ctx context.Context) error

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	LatencyMS int64  `json:"latencyMs"`
	Detail    string `json:"detail,omitempty"`
}

// Report aggregates a CheckAll run.
type Report struct {
	Status string   `json:"status"`
	Checks []Status `json:"checks"`
}

// Option configures a registered check.
type Option func(*entry)

// Optional marks a check whose failure only degrades the service.
func Optional() Option {
	return func(p *entry) { p.critical = false }
}

type entry struct {
	name     string
	check    Checker
	critical bool
}

// Registry holds checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates a registry whose checks each get timeout, or two
// seconds when timeout <= 0.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a critical check unless Optional is given.
func (r *Registry) Register(name string, check Checker, opts ...Option) {
	p := entry{name: name, check: check, critical: true}
	for _, o := range opts {
		o(&p)
	}
	r.mu.Lock()
	r.entries = append(r.entries, p)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and returns them in registration
// order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	checks := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, p := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checks[i] = r.run(ctx, p)
		}()
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Checks: checks}
	for _, s := range checks {
		switch {
		case s.Healthy:
		case s.Critical:
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

func (r *Registry) run(ctx context.Context, p entry) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := p.check(ctx)
	s := Status{
		Name:      p.name,
		Healthy:   err == nil,
		Critical:  p.critical,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.Detail = err.Error()
	}
	return s
}

// Database pings the connection pool.
func Database(db *sql.DB) Checker {
	return db.PingContext
}
