// Package health reports the reachability of the databases, Redis and the
// provider the service depends on.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component kinds. Storage failures make the whole service unhealthy; an
// unreachable provider only degrades it.
const (
	TypeDatabase = "database"
	TypeCache    = "cache"
	TypeHTTP     = "http"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is one checked dependency.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// Probe checks a single dependency.
type Probe struct {
	Name  string
	Type  string
	Check func(ctx context.Context) error
}

// DatabaseProbe pings a database/sql handle.
func DatabaseProbe(name string, db *sql.DB) Probe {
	return Probe{Name: name, Type: TypeDatabase, Check: db.PingContext}
}

// RedisProbe pings a Redis client.
func RedisProbe(name string, client goredis.Cmdable) Probe {
	return Probe{Name: name, Type: TypeCache, Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// HTTPProbe treats any HTTP response from url as reachable.
func HTTPProbe(name, url string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return Probe{Name: name, Type: TypeHTTP, Check: func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}}
}

// Checker runs probes concurrently.
type Checker struct {
	probes     []Probe
	timeout    time.Duration
	maxLatency time.Duration

	mu         sync.RWMutex
	components []Component
}

// Config holds health checker configuration.
type Config struct {
	Probes []Probe
	// Timeout bounds each probe. Default 2s.
	Timeout time.Duration
	// MaxLatency marks a slower storage probe as degraded. Default 100ms.
	MaxLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &Checker{
		probes:     append([]Probe(nil), cfg.Probes...),
		timeout:    cfg.Timeout,
		maxLatency: cfg.MaxLatency,
	}
}

// Check runs every probe and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	components := make([]Component, len(c.probes))
	var wg sync.WaitGroup
	for i, p := range c.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			components[i] = c.run(ctx, p)
		}(i, p)
	}
	wg.Wait()
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()
	return calculateOverallStatus(components)
}

func (c *Checker) run(ctx context.Context, p Probe) Component {
	comp := Component{Name: p.Name, Type: p.Type, CheckResult: CheckResult{Timestamp: time.Now()}}
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(probeCtx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil && p.Type == TypeHTTP:
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case p.Type != TypeHTTP && comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func calculateOverallStatus(components []Component) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return HealthStatus{Status: overall, Timestamp: time.Now(), Components: components}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.components) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return calculateOverallStatus(c.components)
}
