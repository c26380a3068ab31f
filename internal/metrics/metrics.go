// Package metrics implements the Counter/Gauge/Histogram registry (C15)
// and its Prometheus text export, wiring github.com/prometheus/client_golang
// rather than hand-rolling a text formatter.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry holds named, labeled metrics. Each metric kind is backed by a
// dedicated prometheus.Collector so export reuses the ecosystem's text
// formatter; the registry itself only adds the spec's per-metric
// (not cross-metric) atomic snapshot semantics and lazy vector creation.
type Registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// Buckets are the fixed histogram boundaries required by spec §4.14.
var Buckets = []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// NewRegistry constructs an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IncCounter increments the monotonic counter identified by name+labels by
// delta (must be >= 0).
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
		r.reg.MustRegister(vec)
		r.counters[name] = vec
	}
	vec.With(labels).Add(delta)
}

// SetGauge sets the gauge identified by name+labels to value.
func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
		r.reg.MustRegister(vec)
		r.gauges[name] = vec
	}
	vec.With(labels).Set(value)
}

// ObserveHistogram appends value to the histogram identified by
// name+labels, bucketed per Buckets.
func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vec, ok := r.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: Buckets}, labelNames(labels))
		r.reg.MustRegister(vec)
		r.histograms[name] = vec
	}
	vec.With(labels).Observe(value)
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP
// handler (promhttp.HandlerFor) to serve Prometheus text format.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Pusher returns a configured Pushgateway pusher for environments that
// scrape via push rather than pull, reusing the same registry.
func (r *Registry) Pusher(url, job string) *push.Pusher {
	return push.New(url, job).Gatherer(r.reg)
}
