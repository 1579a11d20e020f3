package config

import (
	"encoding/json"
	"fmt"
	"os"

	savedobjects "github.com/adrianmcphee/savedobjects"
)

// TypesFile declares saved object types for the CLI. It is JSON rather than
// part of the yaml config because viper lower-cases map keys, and mapping
// property names are case sensitive.
//
//	{
//	  "types": [{
//	    "plugin": "dashboards",
//	    "name": "dashboard",
//	    "mappings": {"properties": {"title": {"type": "text"}}},
//	    "migrations": [{"version": "7.10.0", "addField": {"name": "color", "value": "blue"}}]
//	  }]
//	}
type TypesFile struct {
	Types []TypeSpec `json:"types"`
}

// TypeSpec is one type and its declarative migrations.
type TypeSpec struct {
	Plugin            string                    `json:"plugin"`
	Name              string                    `json:"name"`
	NamespaceAgnostic bool                      `json:"namespaceAgnostic"`
	Index             string                    `json:"index"`
	Mappings          savedobjects.FieldMapping `json:"mappings"`
	Migrations        []MigrationSpec           `json:"migrations"`
}

// MigrationSpec is a single attribute rewrite. Exactly one operation is set.
type MigrationSpec struct {
	Version     string        `json:"version"`
	AddField    *AddFieldSpec `json:"addField,omitempty"`
	RenameField *RenameSpec   `json:"renameField,omitempty"`
	RemoveField string        `json:"removeField,omitempty"`
}

type AddFieldSpec struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

type RenameSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// LoadTypes reads a types file into a new registry. An empty path yields an
// empty registry.
func LoadTypes(path string) (*savedobjects.TypeRegistry, error) {
	registry := savedobjects.NewTypeRegistry()
	if path == "" {
		return registry, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read types file: %w", err)
	}
	var file TypesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse types file %s: %w", path, err)
	}
	if err := file.Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// Register adds every declared type and migration to registry.
func (f TypesFile) Register(registry *savedobjects.TypeRegistry) error {
	for _, t := range f.Types {
		plugin := t.Plugin
		if plugin == "" {
			plugin = t.Name
		}
		if err := registry.RegisterType(plugin, savedobjects.TypeDefinition{
			Name:              t.Name,
			NamespaceAgnostic: t.NamespaceAgnostic,
			Index:             t.Index,
			Mappings:          t.Mappings,
		}); err != nil {
			return err
		}

		for _, m := range t.Migrations {
			b := registry.Migrate(t.Name).To(m.Version)
			switch {
			case m.AddField != nil && m.RenameField == nil && m.RemoveField == "":
				b.AddField(m.AddField.Name, m.AddField.Value)
			case m.RenameField != nil && m.AddField == nil && m.RemoveField == "":
				b.RenameField(m.RenameField.From, m.RenameField.To)
			case m.RemoveField != "" && m.AddField == nil && m.RenameField == nil:
				b.RemoveField(m.RemoveField)
			default:
				return savedobjects.WithContext(savedobjects.ErrInvalidConfig, map[string]interface{}{
					"type":    t.Name,
					"version": m.Version,
					"reason":  "a migration needs exactly one of addField, renameField or removeField",
				})
			}
		}
	}
	return nil
}
