package savedobjects

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// TransformFunc upgrades one saved object to a newer schema version. It may
// change the object's type, in which case the new type's transforms run next.
//
// Example:
//
//	registry.Migrate("dashboard").To("v2").Do(func(doc *SavedObject) (*SavedObject, error) {
//	    if v, ok := doc.Attributes["panelsJSON"].(string); ok {
//	        doc.Attributes["panels"] = v
//	        delete(doc.Attributes, "panelsJSON")
//	    }
//	    return doc, nil
//	})
type TransformFunc func(doc *SavedObject) (*SavedObject, error)

// ValidateFunc checks a document after every outstanding transform has run.
type ValidateFunc func(doc *SavedObject) error

// TypeDefinition is what an application module contributes for one
// saved object type.
type TypeDefinition struct {
	Name              string
	NamespaceAgnostic bool
	// Index overrides the alias the type is stored under. Empty means the
	// default index.
	Index    string
	Mappings FieldMapping
	Validate ValidateFunc
}

type registeredTransform struct {
	version string
	fn      TransformFunc
}

// TypeRegistry collects type definitions and their version transforms.
// It is populated at startup and read-only once a DocumentMigrator has
// been built from it.
type TypeRegistry struct {
	mu         sync.RWMutex
	types      map[string]TypeDefinition
	owners     map[string]string
	transforms map[string][]registeredTransform
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types:      make(map[string]TypeDefinition),
		owners:     make(map[string]string),
		transforms: make(map[string][]registeredTransform),
	}
}

// RegisterType adds def on behalf of plugin. Two plugins may not define
// the same type, and no type may shadow a root property.
func (r *TypeRegistry) RegisterType(plugin string, def TypeDefinition) error {
	if def.Name == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"plugin": plugin,
			"reason": "type name cannot be empty",
		})
	}
	for _, reserved := range reservedRootProperties {
		if def.Name == reserved {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"plugin": plugin,
				"type":   def.Name,
				"reason": "type name is a reserved root property",
			})
		}
	}

	if _, err := json.Marshal(def.Mappings); err != nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"plugin": plugin,
			"type":   def.Name,
			"reason": "mappings are not serializable",
			"error":  err.Error(),
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.owners[def.Name]; exists {
		return fmt.Errorf("%w: plugin %q is attempting to redefine mapping %q, already defined by plugin %q",
			ErrInvalidConfig, plugin, def.Name, owner)
	}
	r.types[def.Name] = def
	r.owners[def.Name] = plugin
	return nil
}

// Types returns every registered definition sorted by name.
func (r *TypeRegistry) Types() []TypeDefinition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TypeDefinition, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Type looks up a single definition.
func (r *TypeRegistry) Type(name string) (TypeDefinition, bool) {
	if r == nil {
		return TypeDefinition{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *TypeRegistry) IsNamespaceAgnostic(name string) bool {
	t, ok := r.Type(name)
	return ok && t.NamespaceAgnostic
}

// IndexFor returns the alias documents of the given type live under.
func (r *TypeRegistry) IndexFor(name, defaultIndex string) string {
	if t, ok := r.Type(name); ok && t.Index != "" {
		return t.Index
	}
	return defaultIndex
}

func (r *TypeRegistry) addTransform(typeName, version string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[typeName] = append(r.transforms[typeName], registeredTransform{version: version, fn: fn})
}

// transformsFor returns a copy of the transforms registered for each type,
// in registration order.
func (r *TypeRegistry) transformsFor() map[string][]registeredTransform {
	out := make(map[string][]registeredTransform)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, ts := range r.transforms {
		out[name] = append([]registeredTransform(nil), ts...)
	}
	return out
}

// TransformBuilder provides a fluent API for registering transforms.
type TransformBuilder struct {
	registry *TypeRegistry
	typeName string
	version  string
}

// Migrate starts building a transform for a type.
//
// Helpers cover the common attribute rewrites:
//
//	registry.Migrate("dashboard").To("v2").AddField("color", "blue")
//	registry.Migrate("visualization").To("7.0.0").RenameField("visState", "state")
//	registry.Migrate("config").To("7.1.0").RemoveField("legacyFlag")
//
// Anything else goes through Do or WithTypedAttributes. Versions are
// semantic versions with or without the leading "v"; they are validated
// when a DocumentMigrator is built.
func (r *TypeRegistry) Migrate(typeName string) *TransformBuilder {
	return &TransformBuilder{registry: r, typeName: typeName}
}

// To sets the version the transform brings documents up to.
func (b *TransformBuilder) To(version string) *TransformBuilder {
	b.version = version
	return b
}

// Do registers a custom transform.
func (b *TransformBuilder) Do(fn TransformFunc) *TransformBuilder {
	b.registry.addTransform(b.typeName, b.version, fn)
	return b
}

// WithTypedAttributes registers a transform written against concrete
// attribute structs instead of map[string]interface{}.
//
//	type DashboardV1 struct{ Title string `json:"title"` }
//	type DashboardV2 struct {
//	    Title string `json:"title"`
//	    Color string `json:"color"`
//	}
//
//	savedobjects.WithTypedAttributes(registry.Migrate("dashboard").To("v2"),
//	    func(old DashboardV1) (DashboardV2, error) {
//	        return DashboardV2{Title: old.Title, Color: "blue"}, nil
//	    })
func WithTypedAttributes[From any, To any](b *TransformBuilder, fn func(From) (To, error)) *TransformBuilder {
	return b.Do(func(doc *SavedObject) (*SavedObject, error) {
		in, err := json.Marshal(doc.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attributes: %w", err)
		}

		var old From
		if err := json.Unmarshal(in, &old); err != nil {
			return nil, fmt.Errorf("failed to unmarshal to source type: %w", err)
		}

		updated, err := fn(old)
		if err != nil {
			return nil, err
		}

		out, err := json.Marshal(updated)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}

		var attrs map[string]interface{}
		if err := json.Unmarshal(out, &attrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		doc.Attributes = attrs
		return doc, nil
	})
}

// AddField sets an attribute to defaultValue unless it is already present.
func (b *TransformBuilder) AddField(field string, defaultValue interface{}) *TransformBuilder {
	return b.Do(func(doc *SavedObject) (*SavedObject, error) {
		if doc.Attributes == nil {
			doc.Attributes = make(map[string]interface{})
		}
		if _, exists := doc.Attributes[field]; !exists {
			doc.Attributes[field] = deepCopyValue(defaultValue)
		}
		return doc, nil
	})
}

// RenameField moves an attribute to a new name, keeping its value.
func (b *TransformBuilder) RenameField(oldName, newName string) *TransformBuilder {
	return b.Do(func(doc *SavedObject) (*SavedObject, error) {
		if val, exists := doc.Attributes[oldName]; exists {
			doc.Attributes[newName] = val
			delete(doc.Attributes, oldName)
		}
		return doc, nil
	})
}

// RemoveField drops a deprecated attribute.
func (b *TransformBuilder) RemoveField(field string) *TransformBuilder {
	return b.Do(func(doc *SavedObject) (*SavedObject, error) {
		delete(doc.Attributes, field)
		return doc, nil
	})
}
