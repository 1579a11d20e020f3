package savedobjects

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func appendStep(step string) TransformFunc {
	return func(doc *SavedObject) (*SavedObject, error) {
		steps, _ := doc.Attributes["steps"].(string)
		doc.Attributes["steps"] = steps + step
		return doc, nil
	}
}

func TestDocumentMigratorOrdering(t *testing.T) {
	r := NewTypeRegistry()
	// Registered out of order on purpose.
	r.Migrate("dashboard").To("1.10.0").Do(appendStep("c"))
	r.Migrate("dashboard").To("1.2.0").Do(appendStep("b"))
	r.Migrate("dashboard").To("1.0.0").Do(appendStep("a"))

	dm, err := NewDocumentMigrator(r)
	if err != nil {
		t.Fatal(err)
	}
	if got := dm.MigrationVersion(); !reflect.DeepEqual(got, map[string]string{"dashboard": "1.10.0"}) {
		t.Errorf("MigrationVersion() = %v", got)
	}

	tests := []struct {
		name     string
		recorded map[string]string
		want     string
	}{
		{"no version runs everything", nil, "abc"},
		{"partially migrated", map[string]string{"dashboard": "1.0.0"}, "bc"},
		{"between versions", map[string]string{"dashboard": "1.5.0"}, "c"},
		{"up to date", map[string]string{"dashboard": "1.10.0"}, ""},
		{"v prefix is accepted", map[string]string{"dashboard": "v1.2.0"}, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := dm.Migrate(&SavedObject{
				Type:             "dashboard",
				ID:               "1",
				Attributes:       map[string]interface{}{},
				MigrationVersion: tt.recorded,
			})
			if err != nil {
				t.Fatal(err)
			}
			steps, _ := out.Attributes["steps"].(string)
			if steps != tt.want {
				t.Errorf("steps = %q, want %q", steps, tt.want)
			}
			if tt.want != "" && out.MigrationVersion["dashboard"] != "1.10.0" {
				t.Errorf("MigrationVersion = %v", out.MigrationVersion)
			}
		})
	}
}

func TestDocumentMigratorDoesNotMutateInput(t *testing.T) {
	r := NewTypeRegistry()
	r.Migrate("dashboard").To("2.0.0").AddField("color", "blue")
	dm, err := NewDocumentMigrator(r)
	if err != nil {
		t.Fatal(err)
	}

	in := &SavedObject{Type: "dashboard", ID: "1", Attributes: map[string]interface{}{"title": "x"}}
	if _, err := dm.Migrate(in); err != nil {
		t.Fatal(err)
	}
	if _, ok := in.Attributes["color"]; ok {
		t.Error("input attributes were modified")
	}
	if in.MigrationVersion != nil {
		t.Error("input migration version was modified")
	}
}

func TestDocumentMigratorTypeConversion(t *testing.T) {
	r := NewTypeRegistry()
	r.Migrate("visualization").To("7.0.0").Do(func(doc *SavedObject) (*SavedObject, error) {
		doc.Type = "lens"
		return doc, nil
	})
	r.Migrate("lens").To("1.0.0").AddField("converted", true)

	dm, err := NewDocumentMigrator(r)
	if err != nil {
		t.Fatal(err)
	}
	out, err := dm.Migrate(&SavedObject{Type: "visualization", ID: "1", Attributes: map[string]interface{}{}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != "lens" || out.Attributes["converted"] != true {
		t.Errorf("conversion did not continue with the new type: %+v", out)
	}
	want := map[string]string{"visualization": "7.0.0", "lens": "1.0.0"}
	if !reflect.DeepEqual(out.MigrationVersion, want) {
		t.Errorf("MigrationVersion = %v, want %v", out.MigrationVersion, want)
	}
}

func TestDocumentMigratorCycle(t *testing.T) {
	r := NewTypeRegistry()
	r.Migrate("a").To("1.0.0").Do(func(doc *SavedObject) (*SavedObject, error) {
		doc.Type = "b"
		doc.MigrationVersion = map[string]string{}
		return doc, nil
	})
	r.Migrate("b").To("1.0.0").Do(func(doc *SavedObject) (*SavedObject, error) {
		doc.Type = "a"
		doc.MigrationVersion = map[string]string{}
		return doc, nil
	})
	dm, err := NewDocumentMigrator(r)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dm.Migrate(&SavedObject{Type: "a", ID: "1"}); !errors.Is(err, ErrTransformFailed) {
		t.Errorf("expected ErrTransformFailed for a conversion cycle, got %v", err)
	}
}

func TestDocumentMigratorErrors(t *testing.T) {
	cause := errors.New("panels are not JSON")

	r := NewTypeRegistry()
	if err := r.RegisterType("dashboards", TypeDefinition{
		Name: "dashboard",
		Validate: func(doc *SavedObject) error {
			if _, ok := doc.Attributes["title"]; !ok {
				return errors.New("title is required")
			}
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	r.Migrate("dashboard").To("2.0.0").Do(func(doc *SavedObject) (*SavedObject, error) {
		if doc.Attributes["panels"] == "bad" {
			return nil, cause
		}
		return doc, nil
	})
	r.Migrate("nil").To("1.0.0").Do(func(*SavedObject) (*SavedObject, error) { return nil, nil })

	dm, err := NewDocumentMigrator(r)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("transform failure wraps cause", func(t *testing.T) {
		_, err := dm.Migrate(&SavedObject{Type: "dashboard", ID: "d1", Attributes: map[string]interface{}{"panels": "bad"}})
		if !errors.Is(err, ErrTransformFailed) || !errors.Is(err, cause) {
			t.Fatalf("expected ErrTransformFailed wrapping the cause, got %v", err)
		}
		if !strings.Contains(err.Error(), `"d1"`) || !strings.Contains(err.Error(), "2.0.0") {
			t.Errorf("error should name the document and version: %v", err)
		}
	})

	t.Run("nil result", func(t *testing.T) {
		if _, err := dm.Migrate(&SavedObject{Type: "nil", ID: "1"}); !errors.Is(err, ErrTransformFailed) {
			t.Errorf("expected ErrTransformFailed, got %v", err)
		}
	})

	t.Run("newer version", func(t *testing.T) {
		_, err := dm.Migrate(&SavedObject{Type: "dashboard", ID: "1", MigrationVersion: map[string]string{"dashboard": "3.0.0"}})
		if !errors.Is(err, ErrNewerVersion) {
			t.Errorf("expected ErrNewerVersion, got %v", err)
		}
	})

	t.Run("unknown version keys are ignored", func(t *testing.T) {
		_, err := dm.Migrate(&SavedObject{
			Type:             "dashboard",
			ID:               "1",
			Attributes:       map[string]interface{}{"title": "x"},
			MigrationVersion: map[string]string{"canvas": "99.0.0"},
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("invalid recorded version", func(t *testing.T) {
		_, err := dm.Migrate(&SavedObject{Type: "dashboard", ID: "1", MigrationVersion: map[string]string{"dashboard": "banana"}})
		if !errors.Is(err, ErrInvalidData) {
			t.Errorf("expected ErrInvalidData, got %v", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		_, err := dm.Migrate(&SavedObject{Type: "dashboard", ID: "1", Attributes: map[string]interface{}{}})
		if !errors.Is(err, ErrInvalidData) {
			t.Errorf("expected ErrInvalidData from the validator, got %v", err)
		}
	})

	t.Run("nil document", func(t *testing.T) {
		if _, err := dm.Migrate(nil); !errors.Is(err, ErrInvalidData) {
			t.Errorf("expected ErrInvalidData, got %v", err)
		}
	})
}

func TestNewDocumentMigratorRejectsBadVersions(t *testing.T) {
	t.Run("not semver", func(t *testing.T) {
		r := NewTypeRegistry()
		r.Migrate("dashboard").To("seven").AddField("x", 1)
		if _, err := NewDocumentMigrator(r); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		r := NewTypeRegistry()
		r.Migrate("dashboard").To("1.0.0").AddField("x", 1)
		r.Migrate("dashboard").To("v1.0.0").AddField("y", 1)
		if _, err := NewDocumentMigrator(r); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
