package savedobjects

import (
	"sync"
	"time"
)

// Metrics provides observability for migration operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing. Tags are ignored.
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns the current value of a counter.
func (m *InMemoryMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// Metric names. The tags each one is recorded with are listed alongside;
// Prometheus requires the same label set on every observation.
const (
	MetricMigrationRuns      = "savedobjects.migration.runs"           // index, status
	MetricMigrationDuration  = "savedobjects.migration.duration"       // index
	MetricMigrationFailures  = "savedobjects.migration.failures"       // index
	MetricDocumentsMigrated  = "savedobjects.migration.documents"      // index
	MetricBatchDocuments     = "savedobjects.migration.batch_size"     // index
	MetricBatchDuration      = "savedobjects.migration.batch_duration" // index
	MetricCorruptDocuments   = "savedobjects.migration.corrupt"        // index
	MetricCoordinatorWaits   = "savedobjects.coordinator.waits"        // index
	MetricCoordinatorWaitDur = "savedobjects.coordinator.wait_duration"
	MetricLeaseAcquired      = "savedobjects.lease.acquired"
	MetricLeaseHeld          = "savedobjects.lease.held"
	MetricCatalogConflicts   = "savedobjects.catalog.conflicts"

	MetricGatewayOps     = "savedobjects.gateway.ops"     // operation, gateway
	MetricGatewayErrors  = "savedobjects.gateway.errors"  // operation, gateway
	MetricGatewayLatency = "savedobjects.gateway.latency" // operation, gateway
)
