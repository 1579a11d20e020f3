package savedobjects

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// DynamicMode is a mapping's "dynamic" setting. The store reports it either
// as a string or as a bool, so both decode.
type DynamicMode string

const (
	DynamicUnset  DynamicMode = ""
	DynamicTrue   DynamicMode = "true"
	DynamicFalse  DynamicMode = "false"
	DynamicStrict DynamicMode = "strict"
)

func (d *DynamicMode) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*d = DynamicTrue
		} else {
			*d = DynamicFalse
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("dynamic: expected bool or string, got %s", data)
	}
	*d = DynamicMode(s)
	return nil
}

// FieldMapping describes one field. Settings other than type, dynamic,
// properties and fields (ignore_above, index, enabled, ...) live in Params.
type FieldMapping struct {
	Type       string
	Dynamic    DynamicMode
	Properties map[string]FieldMapping
	Fields     map[string]FieldMapping
	Params     map[string]interface{}
}

func (f FieldMapping) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(f.Params)+4)
	for k, v := range f.Params {
		out[k] = v
	}
	if f.Type != "" {
		out["type"] = f.Type
	}
	if f.Dynamic != DynamicUnset {
		out["dynamic"] = string(f.Dynamic)
	}
	if f.Properties != nil {
		out["properties"] = f.Properties
	}
	if f.Fields != nil {
		out["fields"] = f.Fields
	}
	return json.Marshal(out)
}

func (f *FieldMapping) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = FieldMapping{}
	for k, v := range raw {
		var err error
		switch k {
		case "type":
			err = json.Unmarshal(v, &f.Type)
		case "dynamic":
			err = json.Unmarshal(v, &f.Dynamic)
		case "properties":
			err = json.Unmarshal(v, &f.Properties)
			if err == nil && f.Properties == nil {
				f.Properties = map[string]FieldMapping{}
			}
		case "fields":
			err = json.Unmarshal(v, &f.Fields)
		default:
			var p interface{}
			err = json.Unmarshal(v, &p)
			if f.Params == nil {
				f.Params = make(map[string]interface{})
			}
			f.Params[k] = p
		}
		if err != nil {
			return fmt.Errorf("mapping field %q: %w", k, err)
		}
	}
	return nil
}

// MappingMeta is the _meta block the engine stamps on every index it creates.
type MappingMeta struct {
	MigrationMappingPropertyHashes map[string]string `json:"migrationMappingPropertyHashes,omitempty"`
}

// Mappings is an index's type mapping.
type Mappings struct {
	Dynamic    DynamicMode             `json:"dynamic,omitempty"`
	Meta       *MappingMeta            `json:"_meta,omitempty"`
	Properties map[string]FieldMapping `json:"properties"`
}

// Clone deep-copies m. Param values are copied as they are, apart from
// nested JSON objects and arrays.
func (m Mappings) Clone() Mappings {
	out := Mappings{Dynamic: m.Dynamic, Properties: cloneFields(m.Properties)}
	if m.Meta != nil {
		out.Meta = &MappingMeta{}
		if m.Meta.MigrationMappingPropertyHashes != nil {
			out.Meta.MigrationMappingPropertyHashes = make(map[string]string, len(m.Meta.MigrationMappingPropertyHashes))
			for k, v := range m.Meta.MigrationMappingPropertyHashes {
				out.Meta.MigrationMappingPropertyHashes[k] = v
			}
		}
	}
	return out
}

func cloneFields(fields map[string]FieldMapping) map[string]FieldMapping {
	if fields == nil {
		return nil
	}
	out := make(map[string]FieldMapping, len(fields))
	for name, f := range fields {
		out[name] = f.clone()
	}
	return out
}

func (f FieldMapping) clone() FieldMapping {
	out := FieldMapping{
		Type:       f.Type,
		Dynamic:    f.Dynamic,
		Properties: cloneFields(f.Properties),
		Fields:     cloneFields(f.Fields),
	}
	if f.Params != nil {
		out.Params = cloneValue(f.Params).(map[string]interface{})
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Validate reports mappings the store could not be sent, such as a Params
// value with no JSON form.
func (m Mappings) Validate() error {
	for name, prop := range m.Properties {
		if _, err := json.Marshal(prop); err != nil {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"property": name,
				"reason":   "mapping is not serializable",
				"error":    err.Error(),
			})
		}
	}
	return nil
}

// PropertyHashes returns the stamped per-property hashes, or nil.
func (m Mappings) PropertyHashes() map[string]string {
	if m.Meta == nil {
		return nil
	}
	return m.Meta.MigrationMappingPropertyHashes
}

// Root properties every saved object carries regardless of its type.
const (
	rootType             = "type"
	rootNamespace        = "namespace"
	rootUpdatedAt        = "updated_at"
	rootMigrationVersion = "migrationVersion"
	rootReferences       = "references"
)

var reservedRootProperties = []string{rootType, rootNamespace, rootUpdatedAt, rootMigrationVersion, rootReferences}

func keyword() FieldMapping { return FieldMapping{Type: "keyword"} }

// defaultMappings is the mapping of an index before any type contributes.
func defaultMappings() Mappings {
	return Mappings{
		Dynamic: DynamicStrict,
		Properties: map[string]FieldMapping{
			rootType:             keyword(),
			rootNamespace:        keyword(),
			rootUpdatedAt:        {Type: "date"},
			rootMigrationVersion: {Type: "object", Dynamic: DynamicTrue},
			rootReferences: {
				Type: "nested",
				Properties: map[string]FieldMapping{
					"name": keyword(),
					"type": keyword(),
					"id":   keyword(),
				},
			},
		},
	}
}

// emptyMappings is what an index that does not exist reports.
func emptyMappings() Mappings {
	return Mappings{Dynamic: DynamicStrict, Properties: map[string]FieldMapping{}}
}

// BuildActiveMappings merges the root properties with one property per
// type and stamps a hash of every property into _meta.
func BuildActiveMappings(types []TypeDefinition) Mappings {
	m := defaultMappings()
	for _, t := range types {
		m.Properties[t.Name] = t.Mappings
	}
	m = m.Clone()
	m.Meta = &MappingMeta{MigrationMappingPropertyHashes: propertyHashes(m.Properties)}
	return m
}

func propertyHashes(props map[string]FieldMapping) map[string]string {
	hashes := make(map[string]string, len(props))
	for name, prop := range props {
		data, _ := json.Marshal(prop)
		sum := md5.Sum(data)
		hashes[name] = hex.EncodeToString(sum[:])
	}
	return hashes
}

// DisableUnknownTypeMappingFields carries root properties that exist in
// the source index but are unknown to this version into the active
// mappings as disabled objects, so their documents can still be copied
// under a strict mapping.
func DisableUnknownTypeMappingFields(active, source Mappings) Mappings {
	out := active.Clone()
	var unknown []string
	for name := range source.Properties {
		if _, ok := out.Properties[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		out.Properties[name] = FieldMapping{Dynamic: DynamicFalse, Properties: map[string]FieldMapping{}}
	}
	return out
}

// mergeMappings applies a put-mapping of next onto current. Properties are
// merged recursively and never removed.
func mergeMappings(current, next Mappings) Mappings {
	out := current.Clone()
	if next.Dynamic != DynamicUnset {
		out.Dynamic = next.Dynamic
	}
	if next.Meta != nil {
		meta := *next.Meta
		out.Meta = &meta
	}
	if out.Properties == nil {
		out.Properties = map[string]FieldMapping{}
	}
	for name, prop := range next.Clone().Properties {
		if existing, ok := out.Properties[name]; ok {
			out.Properties[name] = mergeField(existing, prop)
		} else {
			out.Properties[name] = prop
		}
	}
	return out
}

func mergeField(current, next FieldMapping) FieldMapping {
	if next.Type != "" {
		current.Type = next.Type
	}
	if next.Dynamic != DynamicUnset {
		current.Dynamic = next.Dynamic
	}
	for k, v := range next.Params {
		if current.Params == nil {
			current.Params = map[string]interface{}{}
		}
		current.Params[k] = v
	}
	current.Properties = mergeChildren(current.Properties, next.Properties)
	current.Fields = mergeChildren(current.Fields, next.Fields)
	return current
}

func mergeChildren(current, next map[string]FieldMapping) map[string]FieldMapping {
	if next == nil {
		return current
	}
	if current == nil {
		current = map[string]FieldMapping{}
	}
	for name, prop := range next {
		if existing, ok := current[name]; ok {
			current[name] = mergeField(existing, prop)
		} else {
			current[name] = prop
		}
	}
	return current
}
