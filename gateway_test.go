package savedobjects

import (
	"context"
	"testing"
)

func TestInstrumentedGateway(t *testing.T) {
	ctx := context.Background()
	metrics := NewInMemoryMetrics()
	g := NewInstrumentedGateway(newTestGateway(t), metrics, "filesystem")
	mappings := BuildActiveMappings(nil)

	if err := g.CreateIndex(ctx, ".kibana_1", mappings); err != nil {
		t.Fatal(err)
	}
	if err := g.CreateIndex(ctx, ".kibana_1", mappings); !IsIndexExists(err) {
		t.Fatalf("expected ErrIndexExists, got %v", err)
	}
	if err := g.Write(ctx, ".kibana_1", []RawDoc{dashboardDoc("1", "")}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.FetchInfo(ctx, ".kibana_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Reader(ctx, "missing", ReaderOptions{}); err == nil {
		t.Fatal("expected an error for a missing index")
	}

	reader, err := g.Reader(ctx, ".kibana_1", ReaderOptions{BatchSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	for {
		docs, err := reader.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) == 0 {
			break
		}
	}
	if err := reader.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// create x2, write, fetch, open x2, read x2
	if got := metrics.Counter(MetricGatewayOps); got != 8 {
		t.Errorf("%s = %d, want 8", MetricGatewayOps, got)
	}
	// An existing index is an expected outcome, not an error.
	if got := metrics.Counter(MetricGatewayErrors); got != 1 {
		t.Errorf("%s = %d, want 1", MetricGatewayErrors, got)
	}
	if len(metrics.Timings[MetricGatewayLatency]) != 8 {
		t.Errorf("latency recorded %d times", len(metrics.Timings[MetricGatewayLatency]))
	}
}

func TestIndexInfoHasAlias(t *testing.T) {
	info := IndexInfo{Name: ".kibana_2", Aliases: []string{".kibana", ".kibana_current"}}
	if !info.HasAlias(".kibana") || info.HasAlias(".kibana_2") {
		t.Error("HasAlias returned the wrong answer")
	}
}
