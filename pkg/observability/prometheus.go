package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a private Prometheus registry.
// Vectors are created on first use with the label set of that call; later
// calls with a different label set are dropped.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a registry with the Go and process collectors.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusMetrics{
		namespace:  sanitizeMetricName(namespace),
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *PrometheusMetrics) Counter(name string, value int64, tags ...Tag) {
	keys, labels := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name) + "_total",
			Help:      "Counter " + name,
		}, keys)
		if m.register(vec) {
			m.counters[name] = vec
		}
	}
	m.mu.Unlock()

	if c, err := vec.GetMetricWith(labels); err == nil {
		c.Add(float64(value))
	}
}

func (m *PrometheusMetrics) Gauge(name string, value float64, tags ...Tag) {
	keys, labels := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
			Help:      "Gauge " + name,
		}, keys)
		if m.register(vec) {
			m.gauges[name] = vec
		}
	}
	m.mu.Unlock()

	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Set(value)
	}
}

func (m *PrometheusMetrics) Histogram(name string, value float64, tags ...Tag) {
	m.observe(sanitizeMetricName(name), name, value, tags)
}

// Timing is recorded as a histogram in seconds.
func (m *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	m.observe(sanitizeMetricName(name)+"_seconds", name, duration.Seconds(), tags)
}

func (m *PrometheusMetrics) observe(metricName, name string, value float64, tags []Tag) {
	keys, labels := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.histograms[metricName]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      metricName,
			Help:      "Histogram " + name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		if m.register(vec) {
			m.histograms[metricName] = vec
		}
	}
	m.mu.Unlock()

	if h, err := vec.GetMetricWith(labels); err == nil {
		h.Observe(value)
	}
}

// register must be called with mu held.
func (m *PrometheusMetrics) register(c prometheus.Collector) bool {
	return m.registry.Register(c) == nil
}

func splitTags(tags []Tag) ([]string, prometheus.Labels) {
	sorted := sortedTags(tags)
	keys := make([]string, 0, len(sorted))
	labels := make(prometheus.Labels, len(sorted))
	for _, t := range sorted {
		k := sanitizeMetricName(t.Key)
		keys = append(keys, k)
		labels[k] = t.Value
	}
	return keys, labels
}

var metricNameReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_")

func sanitizeMetricName(name string) string {
	return metricNameReplacer.Replace(name)
}
