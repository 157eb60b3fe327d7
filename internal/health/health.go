// Package health aggregates component checks for the provcert server.
//
// Components (database, signer, signing key, audit chain, inbox) register a
// Check. Critical components decide overall health; a failing optional
// component only degrades it. Expensive checks can set an Interval so probes
// reuse their last result instead of re-running them on every request.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

// Status is the health of a component or of the whole server.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check inspects one component.
type Check func(ctx context.Context) CheckResult

// Component is a registered check.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
	// Interval, when set, is how long a result is reused before the check
	// runs again.
	Interval time.Duration
}

type entry struct {
	comp *Component
	last CheckResult
}

// Checker runs registered checks and tracks readiness.
type Checker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	started time.Time
	ready   bool
}

// NewChecker creates an empty Checker. It is not ready until SetReady.
func NewChecker() *Checker {
	return &Checker{
		entries: make(map[string]*entry),
		started: time.Now(),
	}
}

// Register adds or replaces a component. Its status is unknown until it
// has been checked.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	c.entries[comp.Name] = &entry{comp: comp, last: CheckResult{Status: StatusUnknown}}
	c.mu.Unlock()
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Names returns the registered component names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetReady sets whether the server accepts work.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Checker) isReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every component whose last result is stale, concurrently, and
// returns the current result of each.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	now := time.Now()

	c.mu.RLock()
	results := make(map[string]CheckResult, len(c.entries))
	var due []*entry
	for name, e := range c.entries {
		if fresh(e, now) {
			results[name] = e.last
		} else {
			due = append(due, e)
		}
	}
	c.mu.RUnlock()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, e := range due {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			res := run(ctx, e.comp)

			c.mu.Lock()
			if cur, ok := c.entries[e.comp.Name]; ok && cur == e {
				e.last = res
			}
			c.mu.Unlock()

			mu.Lock()
			results[e.comp.Name] = res
			mu.Unlock()
		}(e)
	}
	wg.Wait()
	return results
}

func fresh(e *entry, now time.Time) bool {
	return e.comp.Interval > 0 &&
		e.last.Status != StatusUnknown &&
		now.Sub(e.last.LastChecked) < e.comp.Interval
}

// run executes one check under its timeout. A panicking check is unhealthy.
func run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// OverallStatus aggregates the last results: an unhealthy critical
// component makes the server unhealthy, an unchecked critical one unknown,
// anything else short of healthy degraded.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, e := range c.entries {
		switch e.last.Status {
		case StatusUnhealthy:
			if e.comp.Critical {
				return StatusUnhealthy
			}
			overall = worse(overall, StatusDegraded)
		case StatusDegraded:
			overall = worse(overall, StatusDegraded)
		case StatusUnknown:
			if e.comp.Critical {
				overall = worse(overall, StatusUnknown)
			}
		}
	}
	return overall
}

var severity = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnknown: 2, StatusUnhealthy: 3}

func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Response is the body of the health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs the checks and builds a Response. Component results are
// included only when full is set.
func (c *Checker) Report(ctx context.Context, full bool) Response {
	components := c.Check(ctx)
	if !full {
		components = nil
	}

	c.mu.RLock()
	ready, uptime := c.ready, time.Since(c.started)
	c.mu.RUnlock()

	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers 200 while the process is up.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now().UTC()})
	})
}

// ReadinessHandler answers 503 before SetReady(true) or while a critical
// component is unhealthy. It uses the last results and runs no checks.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !c.isReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now().UTC()})
			return
		}
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now().UTC()})
	})
}

// HealthHandler runs the checks; ?full=true adds per-component results.
func (c *Checker) HealthHandler(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		resp.Version = version

		code := http.StatusOK
		if resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

// DatabaseCheck wraps a ping function.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "database unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "database ok"}
	}
}

// SecretFileCheck reports whether the secret file at path exists as a
// regular file. Group or world permission bits degrade the result.
func SecretFileCheck(path string) Check {
	return func(context.Context) CheckResult {
		details := map[string]any{"path": path}
		fi, err := os.Stat(path)
		switch {
		case err != nil:
			return CheckResult{Status: StatusUnhealthy, Message: "file missing", Error: err.Error(), Details: details}
		case !fi.Mode().IsRegular():
			return CheckResult{Status: StatusUnhealthy, Message: "not a regular file", Details: details}
		case fi.Mode().Perm()&0o077 != 0:
			details["mode"] = fi.Mode().Perm().String()
			return CheckResult{Status: StatusDegraded, Message: "file is readable by other users", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "file ok", Details: details}
	}
}

// ErrorCheck adapts a function that returns an error.
func ErrorCheck(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "check passed"}
	}
}
