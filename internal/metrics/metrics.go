// Package metrics provides Prometheus-compatible metrics for provcert.
//
// Counters, gauges and histograms are registered on a Registry and exposed in
// the Prometheus text format. All operations are safe for concurrent use.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels are constant labels attached to a metric.
type Labels map[string]string

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// String renders labels in exposition form with sorted keys.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `%s="%s"`, k, labelEscaper.Replace(l[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func (l Labels) with(k, v string) Labels {
	out := make(Labels, len(l)+1)
	for key, val := range l {
		out[key] = val
	}
	out[k] = v
	return out
}

// family is one named metric as it appears in the exposition.
type family interface {
	kind() string
	helpText() string
	writeSamples(b *strings.Builder)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds n to the counter.
func (c *Counter) Add(n uint64) { c.value.Add(n) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Name returns the fully qualified metric name.
func (c *Counter) Name() string { return c.name }

func (c *Counter) kind() string     { return "counter" }
func (c *Counter) helpText() string { return c.help }
func (c *Counter) writeSamples(b *strings.Builder) {
	fmt.Fprintf(b, "%s%s %d\n", c.name, c.labels.String(), c.Value())
}

// CounterVec is a family of counters partitioned by one label, such as
// verification outcome.
type CounterVec struct {
	name   string
	help   string
	label  string
	labels Labels

	mu       sync.RWMutex
	counters map[string]*Counter
}

// WithLabel returns the counter for value, creating it on first use.
func (v *CounterVec) WithLabel(value string) *Counter {
	v.mu.RLock()
	c, ok := v.counters[value]
	v.mu.RUnlock()
	if ok {
		return c
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.counters[value]; ok {
		return c
	}
	c = &Counter{name: v.name, help: v.help, labels: v.labels.with(v.label, value)}
	v.counters[value] = c
	return c
}

// Value returns the count for one label value.
func (v *CounterVec) Value(value string) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if c, ok := v.counters[value]; ok {
		return c.Value()
	}
	return 0
}

func (v *CounterVec) kind() string     { return "counter" }
func (v *CounterVec) helpText() string { return v.help }
func (v *CounterVec) writeSamples(b *strings.Builder) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, value := range sortedKeys(v.counters) {
		v.counters[value].writeSamples(b)
	}
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// Set sets the gauge.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) kind() string     { return "gauge" }
func (g *Gauge) helpText() string { return g.help }
func (g *Gauge) writeSamples(b *strings.Builder) {
	fmt.Fprintf(b, "%s%s %d\n", g.name, g.labels.String(), g.Value())
}

// DurationBuckets are upper bounds in seconds for latency histograms.
// bcrypt verification sits in the 50-500ms range at production cost.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // last slot is +Inf
	sum    float64
	count  uint64
}

func newHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) kind() string     { return "histogram" }
func (h *Histogram) helpText() string { return h.help }
func (h *Histogram) writeSamples(b *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var cumulative uint64
	for i, upper := range h.buckets {
		cumulative += h.counts[i]
		fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, h.labels.with("le", fmt.Sprintf("%g", upper)).String(), cumulative)
	}
	cumulative += h.counts[len(h.buckets)]
	fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf").String(), cumulative)
	fmt.Fprintf(b, "%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
	fmt.Fprintf(b, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
}

// Registry holds registered metrics by fully qualified name. Registering a
// name twice returns the first metric.
type Registry struct {
	namespace string
	subsystem string

	mu       sync.RWMutex
	families map[string]family
}

// NewRegistry creates a registry whose metric names are prefixed with
// namespace and subsystem, when set.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		namespace: namespace,
		subsystem: subsystem,
		families:  make(map[string]family),
	}
}

func (r *Registry) fullName(name string) string {
	var parts []string
	for _, p := range []string{r.namespace, r.subsystem, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

// register stores the metric built by mk under name unless one exists.
func register[T family](r *Registry, name string, mk func(fullName string) T) T {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if f, ok := r.families[full]; ok {
		if existing, ok := f.(T); ok {
			return existing
		}
		panic(fmt.Sprintf("metrics: %s registered as %s", full, f.kind()))
	}
	m := mk(full)
	r.families[full] = m
	return m
}

// RegisterCounter registers a counter.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, func(full string) *Counter {
		return &Counter{name: full, help: help, labels: labels}
	})
}

// RegisterCounterVec registers a counter family partitioned by label.
func (r *Registry) RegisterCounterVec(name, help, label string, labels Labels) *CounterVec {
	return register(r, name, func(full string) *CounterVec {
		return &CounterVec{name: full, help: help, label: label, labels: labels, counters: make(map[string]*Counter)}
	})
}

// RegisterGauge registers a gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, func(full string) *Gauge {
		return &Gauge{name: full, help: help, labels: labels}
	})
}

// RegisterHistogram registers a histogram. Nil buckets mean DurationBuckets.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	return register(r, name, func(full string) *Histogram {
		return newHistogram(full, help, labels, buckets)
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes every metric in Prometheus text format, ordered by
// name so the output is stable between scrapes.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	var b strings.Builder
	for _, name := range sortedKeys(r.families) {
		f := r.families[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, f.helpText(), name, f.kind())
		f.writeSamples(&b)
	}
	r.mu.RUnlock()

	_, err := io.WriteString(w, b.String())
	return err
}

// HTTPHandler serves the text exposition format.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
