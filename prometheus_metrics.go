package savedobjects

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

func (p *PrometheusMetrics) registerDefaultMetrics() {
	factory := promauto.With(p.registry)

	p.counters[MetricMigrationRuns] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savedobjects",
			Subsystem: "migration",
			Name:      "runs_total",
			Help:      "Index migrations by outcome (skipped, patched, migrated)",
		},
		[]string{"index", "status"},
	)

	p.counters[MetricMigrationFailures] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savedobjects",
			Subsystem: "migration",
			Name:      "failures_total",
			Help:      "Index migrations that returned an error",
		},
		[]string{"index"},
	)

	p.counters[MetricDocumentsMigrated] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savedobjects",
			Subsystem: "migration",
			Name:      "documents_total",
			Help:      "Documents copied into a destination index",
		},
		[]string{"index"},
	)

	p.counters[MetricCorruptDocuments] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savedobjects",
			Subsystem: "migration",
			Name:      "corrupt_documents_total",
			Help:      "Raw documents copied unchanged because they are not saved objects",
		},
		[]string{"index"},
	)

	p.counters[MetricCoordinatorWaits] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savedobjects",
			Subsystem: "coordinator",
			Name:      "waits_total",
			Help:      "Times this process waited for another instance to finish migrating",
		},
		[]string{"index"},
	)

	p.counters[MetricGatewayOps] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savedobjects",
			Subsystem: "gateway",
			Name:      "operations_total",
			Help:      "Total number of document-store operations",
		},
		[]string{"operation", "gateway"},
	)

	p.counters[MetricGatewayErrors] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savedobjects",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Total number of failed document-store operations",
		},
		[]string{"operation", "gateway"},
	)

	p.histograms[MetricMigrationDuration] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "savedobjects",
			Subsystem: "migration",
			Name:      "duration_seconds",
			Help:      "Wall time of a full index migration",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"index"},
	)

	p.histograms[MetricBatchDuration] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "savedobjects",
			Subsystem: "migration",
			Name:      "batch_duration_seconds",
			Help:      "Read, transform and write latency of one batch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"index"},
	)

	p.histograms[MetricBatchDocuments] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "savedobjects",
			Subsystem: "migration",
			Name:      "batch_documents",
			Help:      "Documents per migrated batch",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"index"},
	)

	p.histograms[MetricGatewayLatency] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "savedobjects",
			Subsystem: "gateway",
			Name:      "operation_duration_seconds",
			Help:      "Document-store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "gateway"},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "savedobjects",
				Name:      metricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "savedobjects",
				Name:      metricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "savedobjects",
				Name:      metricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// metricName turns a dotted metric name into a valid Prometheus name.
func metricName(name string) string {
	out := []byte(name)
	for i, c := range out {
		if c == '.' || c == '-' {
			out[i] = '_'
		}
	}
	return string(out)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
