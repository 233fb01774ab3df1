// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// DatabaseChecker returns a Checker that pings the database.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// PipelineChecker returns a Checker that reports unhealthy when the last
// pipeline run attempt is older than maxAge. Callers should feed it the
// scheduler's attempt time rather than the watermark, since empty batches
// do not advance the watermark. A zero lastRun means the pipeline has not
// run yet, which is reported healthy so a fresh deployment does not fail
// its probes before the first scheduled batch.
func PipelineChecker(lastRun func(ctx context.Context) (time.Time, error), maxAge time.Duration) Checker {
	return func(ctx context.Context) Status {
		t, err := lastRun(ctx)
		if err != nil {
			return Status{Name: "pipeline", Healthy: false, Detail: err.Error()}
		}
		if t.IsZero() {
			return Status{Name: "pipeline", Healthy: true, Detail: "no runs yet"}
		}
		if age := time.Since(t); age > maxAge {
			return Status{Name: "pipeline", Healthy: false, Detail: fmt.Sprintf("last run %s ago", age.Round(time.Second))}
		}
		return Status{Name: "pipeline", Healthy: true}
	}
}
