package savedobjects

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMigratorMultipleIndices(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	r := dashboardRegistry(t)
	if err := r.RegisterType("reporting", TypeDefinition{
		Name:     "report",
		Index:    ".reporting",
		Mappings: FieldMapping{Properties: map[string]FieldMapping{"jobtype": {Type: "keyword"}}},
	}); err != nil {
		t.Fatal(err)
	}
	m := newTestMigrator(t, g, r)

	if got := m.Indices(); !reflect.DeepEqual(got, []string{".kibana", ".reporting"}) {
		t.Errorf("Indices() = %v", got)
	}
	if _, ok := m.ActiveMappingsFor(".reporting").Properties["dashboard"]; ok {
		t.Error("dashboard mapping leaked into .reporting")
	}
	if _, ok := m.ActiveMappings().Properties["report"]; ok {
		t.Error("report mapping leaked into .kibana")
	}

	results, err := m.RunMigrations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Index != ".kibana" || results[1].Index != ".reporting" {
		t.Fatalf("results = %+v", results)
	}
	for _, result := range results {
		if result.Status != StatusMigrated || result.DestIndex != result.Index+"_1" {
			t.Errorf("result = %+v", result)
		}
	}

	status, err := m.FetchMigrationStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]IndexStatus{".kibana": IndexUpToDate, ".reporting": IndexUpToDate}
	if !reflect.DeepEqual(status, want) {
		t.Errorf("status = %v", status)
	}
}

func TestMigratorRunsOnce(t *testing.T) {
	ctx := context.Background()
	metrics := NewInMemoryMetrics()
	g := NewInstrumentedGateway(newTestGateway(t), metrics, "filesystem")
	m := newTestMigrator(t, g, dashboardRegistry(t))

	first, err := m.RunMigrations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	calls := metrics.Counter(MetricGatewayOps)

	second, err := m.RunMigrations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second call returned %+v, first %+v", second, first)
	}
	if metrics.Counter(MetricGatewayOps) != calls {
		t.Error("second call touched the store")
	}
}

func TestMigratorSkip(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)
	m := newTestMigrator(t, g, dashboardRegistry(t), func(c *MigrationConfig) { c.Skip = true })

	results, err := m.RunMigrations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != StatusSkipped {
		t.Errorf("results = %+v", results)
	}
	if m.logs.FilterMessageSnippet("Skipping saved object migrations on startup.").Len() != 1 {
		t.Error("missing skip warning")
	}
	if indices, _ := g.Indices(ctx); len(indices) != 0 {
		t.Errorf("skip created indices %v", indices)
	}
}

func TestNewMigratorValidation(t *testing.T) {
	g := newTestGateway(t)

	t.Run("invalid config", func(t *testing.T) {
		cfg := DefaultMigrationConfig()
		cfg.BatchSize = 0
		if _, err := NewMigrator(MigratorOptions{Config: cfg, Gateway: g}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("missing gateway", func(t *testing.T) {
		if _, err := NewMigrator(MigratorOptions{Config: DefaultMigrationConfig()}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("bad transform version", func(t *testing.T) {
		r := NewTypeRegistry()
		r.Migrate("dashboard").To("latest").AddField("x", 1)
		if _, err := NewMigrator(MigratorOptions{Config: DefaultMigrationConfig(), Gateway: g, Registry: r}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestMigratorMigrateDocument(t *testing.T) {
	m := newTestMigrator(t, newTestGateway(t), dashboardRegistry(t))

	if got := m.MigrationVersion(); !reflect.DeepEqual(got, map[string]string{"dashboard": "2.0.0"}) {
		t.Errorf("MigrationVersion() = %v", got)
	}

	doc, err := m.MigrateDocument(&SavedObject{Type: "dashboard", ID: "imported", Attributes: map[string]interface{}{"title": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Attributes["color"] != "blue" {
		t.Errorf("Attributes = %v", doc.Attributes)
	}

	raw, err := m.Serializer().SavedObjectToRaw(doc)
	if err != nil {
		t.Fatal(err)
	}
	if raw.ID != "dashboard:imported" {
		t.Errorf("raw id = %q", raw.ID)
	}
}
