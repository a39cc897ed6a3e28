// Package health aggregates liveness probes for a service's dependencies
// and serves them as a single /healthz report.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	ProbeTimeout time.Duration
}

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of a single dependency probe.
type Result struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ms"`
}

// Report is the aggregate of one probe round. Healthy is the conjunction of
// every check.
type Report struct {
	Healthy bool     `json:"healthy"`
	Checks  []Result `json:"checks"`
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker runs registered dependency probes on demand.
type Checker struct {
	mu     sync.Mutex
	checks []namedCheck
	cfg    Config
	logger *zap.Logger
}

// New creates a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{cfg: cfg, logger: logger}
}

// Register adds a named dependency probe. Registration order is report order.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
	c.mu.Unlock()
}

// Run probes every registered dependency concurrently and aggregates the
// results. Each probe gets its own timeout so one hung dependency cannot
// stall the report.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.Lock()
	checks := make([]namedCheck, len(c.checks))
	copy(checks, c.checks)
	c.mu.Unlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, chk := range checks {
		wg.Add(1)
		go func(i int, chk namedCheck) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			defer cancel()

			start := time.Now()
			err := chk.fn(probeCtx)
			r := Result{
				Name:    chk.name,
				Healthy: err == nil,
				Latency: time.Since(start) / time.Millisecond,
			}
			if err != nil {
				r.Error = err.Error()
				c.logger.Warn("health check failed",
					zap.String("check", chk.name),
					zap.Error(err),
				)
			}
			results[i] = r
		}(i, chk)
	}
	wg.Wait()

	report := Report{Healthy: true, Checks: results}
	for _, r := range results {
		if !r.Healthy {
			report.Healthy = false
			break
		}
	}
	return report
}

// Handler returns a gin handler serving the report: 200 when every
// dependency is healthy, 503 otherwise.
func (c *Checker) Handler() gin.HandlerFunc {
	return func(g *gin.Context) {
		report := c.Run(g.Request.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		g.JSON(status, report)
	}
}

// HTTPEndpoint builds a CheckFunc that probes an HTTP endpoint, trying HEAD
// first and falling back to GET. Any 2xx counts as healthy.
func HTTPEndpoint(url string) CheckFunc {
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}

		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err = client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &EndpointStatusError{URL: url, Status: resp.StatusCode}
		}
		return nil
	}
}

// EndpointStatusError reports a non-2xx probe reply.
type EndpointStatusError struct {
	URL    string
	Status int
}

func (e *EndpointStatusError) Error() string {
	return "endpoint " + e.URL + " returned " + http.StatusText(e.Status)
}
