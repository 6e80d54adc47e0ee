package observability

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsClient records operational metrics. Implementations must be safe
// for concurrent use.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)
	// StartTimer returns a func that records the elapsed time when called.
	StartTimer(name string, labels map[string]string) func()
	RecordAPIOperation(method, route string, status int, duration time.Duration)
	RecordDatabaseOperation(operation string, success bool, duration time.Duration)
	Close() error
}

// PrometheusMetricsClient implements MetricsClient on a dedicated
// prometheus registry. Collectors are created on first use keyed by metric
// name; a metric must keep the same label set for its lifetime.
type PrometheusMetricsClient struct {
	namespace string
	registry  *prometheus.Registry
	factory   promauto.Factory

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a metrics client with its own registry.
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	registry := prometheus.NewRegistry()
	return &PrometheusMetricsClient{
		namespace:  namespace,
		registry:   registry,
		factory:    promauto.With(registry),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler exposes the registry for mounting at /metrics.
func (c *PrometheusMetricsClient) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (c *PrometheusMetricsClient) counter(name string, labels map[string]string) *prometheus.CounterVec {
	c.mu.RLock()
	vec, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return vec
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok = c.counters[name]; ok {
		return vec
	}
	vec = c.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
	}, labelNames(labels))
	c.counters[name] = vec
	return vec
}

func (c *PrometheusMetricsClient) gauge(name string, labels map[string]string) *prometheus.GaugeVec {
	c.mu.RLock()
	vec, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return vec
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok = c.gauges[name]; ok {
		return vec
	}
	vec = c.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
	}, labelNames(labels))
	c.gauges[name] = vec
	return vec
}

func (c *PrometheusMetricsClient) histogram(name string, labels map[string]string) *prometheus.HistogramVec {
	c.mu.RLock()
	vec, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return vec
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok = c.histograms[name]; ok {
		return vec
	}
	vec = c.factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelNames(labels))
	c.histograms[name] = vec
	return vec
}

func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.counter(name, nil).With(nil).Add(value)
}

func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.counter(name, labels).With(prometheus.Labels(labels)).Add(value)
}

func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.gauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.histogram(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

func (c *PrometheusMetricsClient) RecordAPIOperation(method, route string, status int, duration time.Duration) {
	labels := map[string]string{
		"method": method,
		"route":  route,
		"status": httpStatusClass(status),
	}
	c.IncrementCounterWithLabels("http_requests_total", 1, labels)
	c.RecordTimer("http_request_duration_seconds", duration, labels)
}

func (c *PrometheusMetricsClient) RecordDatabaseOperation(operation string, success bool, duration time.Duration) {
	labels := map[string]string{"operation": operation, "success": boolLabel(success)}
	c.IncrementCounterWithLabels("db_operations_total", 1, labels)
	c.RecordTimer("db_operation_duration_seconds", duration, labels)
}

func (c *PrometheusMetricsClient) Close() error { return nil }

func httpStatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// NoopMetricsClient discards all metrics. Used in tests.
type NoopMetricsClient struct{}

func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (NoopMetricsClient) IncrementCounter(string, float64)                            {}
func (NoopMetricsClient) IncrementCounterWithLabels(string, float64, map[string]string) {}
func (NoopMetricsClient) RecordGauge(string, float64, map[string]string)              {}
func (NoopMetricsClient) RecordHistogram(string, float64, map[string]string)          {}
func (NoopMetricsClient) RecordTimer(string, time.Duration, map[string]string)        {}
func (NoopMetricsClient) StartTimer(string, map[string]string) func()                 { return func() {} }
func (NoopMetricsClient) RecordAPIOperation(string, string, int, time.Duration)       {}
func (NoopMetricsClient) RecordDatabaseOperation(string, bool, time.Duration)         {}
func (NoopMetricsClient) Close() error                                                { return nil }
