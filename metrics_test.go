package savedobjects

import (
	"sync"
	"testing"
	"time"
)

func TestNoOpMetrics(t *testing.T) {
	metrics := &NoOpMetrics{}

	metrics.Increment(MetricMigrationRuns, "index", ".kibana", "status", "skipped")
	metrics.Gauge("test.gauge", 42.0)
	metrics.Histogram(MetricBatchDocuments, 100, "index", ".kibana")
	metrics.Timing(MetricBatchDuration, 5*time.Millisecond, "index", ".kibana")
}

func TestInMemoryMetrics(t *testing.T) {
	metrics := NewInMemoryMetrics()

	metrics.Increment(MetricMigrationRuns)
	metrics.Increment(MetricMigrationRuns)
	metrics.Increment(MetricCorruptDocuments)

	if got := metrics.Counter(MetricMigrationRuns); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
	if got := metrics.Counter(MetricCorruptDocuments); got != 1 {
		t.Errorf("corrupt = %d, want 1", got)
	}

	metrics.Gauge("g", 1)
	metrics.Gauge("g", 2)
	if metrics.Gauges["g"] != 2 {
		t.Errorf("gauge = %v, want 2", metrics.Gauges["g"])
	}

	metrics.Histogram(MetricBatchDocuments, 7)
	metrics.Histogram(MetricBatchDocuments, 3)
	if got := metrics.Histograms[MetricBatchDocuments]; len(got) != 2 || got[0] != 7 || got[1] != 3 {
		t.Errorf("histogram = %v, want [7 3]", got)
	}

	metrics.Timing(MetricMigrationDuration, 10*time.Millisecond)
	if got := metrics.Timings[MetricMigrationDuration]; len(got) != 1 || got[0] != 10*time.Millisecond {
		t.Errorf("timings = %v", got)
	}
}

func TestInMemoryMetricsConcurrent(t *testing.T) {
	metrics := NewInMemoryMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				metrics.Increment(MetricGatewayOps)
			}
		}()
	}
	wg.Wait()
	if got := metrics.Counter(MetricGatewayOps); got != 1000 {
		t.Errorf("ops = %d, want 1000", got)
	}
}

func TestMetricsInterface(t *testing.T) {
	var _ Metrics = &NoOpMetrics{}
	var _ Metrics = &InMemoryMetrics{}
}
