// Package health runs named subsystem checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one subsystem check. Detail is shown verbatim in
// the health response.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker checks one subsystem. It must return when ctx is done.
type Checker func(ctx context.Context) Status

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Registry holds named checkers and runs them concurrently on demand.
type Registry struct {
	mu       sync.RWMutex
	timeout  time.Duration
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks share a deadline of timeout.
// A non-positive timeout means no deadline.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout}
}

// Register adds a named checker. Results keep registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all of them were healthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			st := nc.check(ctx)
			st.Name = nc.name
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database reports "healthy" or "unhealthy" depending on whether db answers
// a ping. A nil db is reported as the in-memory store.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if db == nil {
			return Status{Healthy: true, Detail: "in-memory"}
		}
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: "unhealthy"}
		}
		return Status{Healthy: true, Detail: "healthy"}
	}
}

// Info reports a healthy status whose detail comes from fn.
func Info(fn func() string) Checker {
	return func(context.Context) Status {
		return Status{Healthy: true, Detail: fn()}
	}
}
