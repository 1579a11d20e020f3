package config

import (
	"errors"
	"testing"

	savedobjects "github.com/adrianmcphee/savedobjects"
)

const dashboardTypes = `{
  "types": [
    {
      "plugin": "dashboards",
      "name": "dashboard",
      "mappings": {"properties": {"title": {"type": "text"}, "refreshInterval": {"type": "integer"}}},
      "migrations": [
        {"version": "7.9.0", "renameField": {"from": "name", "to": "title"}},
        {"version": "7.10.0", "addField": {"name": "color", "value": "blue"}},
        {"version": "7.11.0", "removeField": "legacy"}
      ]
    },
    {"name": "space", "namespaceAgnostic": true, "index": ".spaces", "mappings": {"properties": {"name": {"type": "keyword"}}}}
  ]
}`

func TestLoadTypes(t *testing.T) {
	registry, err := LoadTypes(writeFile(t, "types.json", dashboardTypes))
	if err != nil {
		t.Fatal(err)
	}

	dashboard, ok := registry.Type("dashboard")
	if !ok {
		t.Fatal("dashboard not registered")
	}
	if _, ok := dashboard.Mappings.Properties["refreshInterval"]; !ok {
		t.Errorf("property names must keep their case: %v", dashboard.Mappings.Properties)
	}
	if !registry.IsNamespaceAgnostic("space") || registry.IndexFor("space", ".kibana") != ".spaces" {
		t.Error("space options lost")
	}

	migrator, err := savedobjects.NewDocumentMigrator(registry)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := migrator.Migrate(&savedobjects.SavedObject{
		Type:       "dashboard",
		ID:         "d1",
		Attributes: map[string]interface{}{"name": "Sales", "legacy": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{"title": "Sales", "color": "blue"}
	if len(doc.Attributes) != len(want) || doc.Attributes["title"] != "Sales" || doc.Attributes["color"] != "blue" {
		t.Errorf("Attributes = %v, want %v", doc.Attributes, want)
	}
	if doc.MigrationVersion["dashboard"] != "7.11.0" {
		t.Errorf("MigrationVersion = %v", doc.MigrationVersion)
	}
}

func TestLoadTypesErrors(t *testing.T) {
	t.Run("no path", func(t *testing.T) {
		registry, err := LoadTypes("")
		if err != nil || len(registry.Types()) != 0 {
			t.Errorf("LoadTypes(\"\") = %v, %v", registry.Types(), err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadTypes("/nonexistent/types.json"); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("two operations", func(t *testing.T) {
		path := writeFile(t, "types.json", `{"types": [{"name": "a", "migrations": [
			{"version": "1.0.0", "removeField": "x", "addField": {"name": "y", "value": 1}}]}]}`)
		if _, err := LoadTypes(path); !errors.Is(err, savedobjects.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("duplicate type", func(t *testing.T) {
		path := writeFile(t, "types.json", `{"types": [{"name": "a"}, {"name": "a"}]}`)
		if _, err := LoadTypes(path); err == nil {
			t.Error("expected a duplicate registration error")
		}
	})
}
