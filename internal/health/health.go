// Package health provides a registry of named subsystem health checkers
// and the HTTP probes built on it.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/daniallc-1994/TaskUp/internal/circuitbreaker"
)

// DefaultTimeout bounds a single checker run.
const DefaultTimeout = 3 * time.Second

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
	timeout  time.Duration

	ready atomic.Bool
	alive atomic.Bool
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry. It starts alive and
// not ready.
func NewRegistry() *Registry {
	r := &Registry{timeout: DefaultTimeout}
	r.alive.Store(true)
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// SetReady marks whether the process accepts traffic.
func (r *Registry) SetReady(ok bool) { r.ready.Store(ok) }

// SetAlive marks whether the process is able to make progress.
func (r *Registry) SetAlive(ok bool) { r.alive.Store(ok) }

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			st := nc.check(ctx)
			if st.Name == "" {
				st.Name = nc.name
			}
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

// Pinger is anything with a connectivity check, such as a ledger store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports p healthy when Ping succeeds.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// BreakerChecker reports unhealthy while any circuit of b is not closed.
func BreakerChecker(name string, b *circuitbreaker.Breaker) Checker {
	return func(context.Context) Status {
		if open := b.Open(); len(open) > 0 {
			return Status{Name: name, Healthy: false, Detail: fmt.Sprintf("open circuits: %s", strings.Join(open, ", "))}
		}
		return Status{Name: name, Healthy: true}
	}
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (r *Registry) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", r.healthHandler)
	router.GET("/health/live", r.livenessHandler)
	router.GET("/health/ready", r.readinessHandler)
}

func (r *Registry) healthHandler(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Registry) livenessHandler(c *gin.Context) {
	if !r.alive.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (r *Registry) readinessHandler(c *gin.Context) {
	if !r.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
