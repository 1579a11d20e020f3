package savedobjects

import (
	"strings"
)

// Serializer converts between raw documents and saved objects.
//
// Raw ids are "<namespace>:<type>:<id>" for namespaced objects of
// namespace-aware types and "<type>:<id>" otherwise. Namespace-agnostic
// types never carry a namespace, even when one is supplied.
type Serializer struct {
	registry *TypeRegistry
}

func NewSerializer(registry *TypeRegistry) *Serializer {
	return &Serializer{registry: registry}
}

func (s *Serializer) namespacePrefix(namespace, typ string) string {
	if namespace == "" || s.registry.IsNamespaceAgnostic(typ) {
		return ""
	}
	return namespace + ":"
}

// IsRawSavedObject reports whether doc has the shape of a saved object:
// a type, an id carrying the expected prefix, and attributes under the
// type's key.
func (s *Serializer) IsRawSavedObject(doc RawDoc) bool {
	typ, _ := doc.Source[rootType].(string)
	if typ == "" {
		return false
	}
	namespace, _ := doc.Source[rootNamespace].(string)
	if !strings.HasPrefix(doc.ID, s.namespacePrefix(namespace, typ)+typ+":") {
		return false
	}
	_, ok := doc.Source[typ]
	return ok
}

// RawToSavedObject converts a raw document. Callers should check
// IsRawSavedObject first.
func (s *Serializer) RawToSavedObject(doc RawDoc) (*SavedObject, error) {
	src := doc.Source
	typ, _ := src[rootType].(string)
	namespace, _ := src[rootNamespace].(string)
	if s.registry.IsNamespaceAgnostic(typ) {
		namespace = ""
	}

	id, err := s.TrimIDPrefix(namespace, typ, doc.ID)
	if err != nil {
		return nil, err
	}

	obj := &SavedObject{
		Type:       typ,
		ID:         id,
		Namespace:  namespace,
		References: []Reference{},
	}

	if attrs, ok := src[typ].(map[string]interface{}); ok {
		obj.Attributes = deepCopyMap(attrs)
	}
	if refs, err := decodeReferences(src[rootReferences]); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"id": doc.ID, "field": rootReferences})
	} else if refs != nil {
		obj.References = refs
	}
	if mv, ok := src[rootMigrationVersion].(map[string]interface{}); ok {
		obj.MigrationVersion = make(map[string]string, len(mv))
		for k, v := range mv {
			if str, ok := v.(string); ok {
				obj.MigrationVersion[k] = str
			}
		}
	}
	if updatedAt, ok := src[rootUpdatedAt].(string); ok {
		obj.UpdatedAt = updatedAt
	}
	if doc.SeqNo != nil || doc.PrimaryTerm != nil {
		var seqNo, primaryTerm int64
		if doc.SeqNo != nil {
			seqNo = *doc.SeqNo
		}
		if doc.PrimaryTerm != nil {
			primaryTerm = *doc.PrimaryTerm
		}
		obj.Version = EncodeVersion(seqNo, primaryTerm)
	}
	return obj, nil
}

// SavedObjectToRaw converts a saved object into its raw document.
func (s *Serializer) SavedObjectToRaw(obj *SavedObject) (RawDoc, error) {
	source := map[string]interface{}{
		rootType: obj.Type,
		obj.Type: deepCopyValue(attributesOrEmpty(obj.Attributes)),
	}

	refs := make([]interface{}, 0, len(obj.References))
	for _, ref := range obj.References {
		refs = append(refs, map[string]interface{}{"name": ref.Name, "type": ref.Type, "id": ref.ID})
	}
	source[rootReferences] = refs

	namespace := obj.Namespace
	if s.registry.IsNamespaceAgnostic(obj.Type) {
		namespace = ""
	}
	if namespace != "" {
		source[rootNamespace] = namespace
	}
	if obj.MigrationVersion != nil {
		mv := make(map[string]interface{}, len(obj.MigrationVersion))
		for k, v := range obj.MigrationVersion {
			mv[k] = v
		}
		source[rootMigrationVersion] = mv
	}
	if obj.UpdatedAt != "" {
		source[rootUpdatedAt] = obj.UpdatedAt
	}

	raw := RawDoc{
		ID:     s.GenerateRawID(namespace, obj.Type, obj.ID),
		Source: source,
	}
	if obj.Version != "" {
		seqNo, primaryTerm, err := DecodeVersion(obj.Version)
		if err != nil {
			return RawDoc{}, err
		}
		raw.SeqNo = &seqNo
		raw.PrimaryTerm = &primaryTerm
	}
	return raw, nil
}

// GenerateRawID builds the physical id. An empty id gets a fresh one.
func (s *Serializer) GenerateRawID(namespace, typ, id string) string {
	if id == "" {
		id = NewID()
	}
	return s.namespacePrefix(namespace, typ) + typ + ":" + id
}

// TrimIDPrefix strips the namespace and type prefix from a raw id. An id
// without the expected prefix is returned unchanged.
func (s *Serializer) TrimIDPrefix(namespace, typ, id string) (string, error) {
	if id == "" || typ == "" {
		return "", WithContext(ErrInvalidID, map[string]interface{}{
			"id":   id,
			"type": typ,
		})
	}
	prefix := s.namespacePrefix(namespace, typ) + typ + ":"
	if !strings.HasPrefix(id, prefix) {
		return id, nil
	}
	return id[len(prefix):], nil
}

func attributesOrEmpty(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return map[string]interface{}{}
	}
	return attrs
}

func decodeReferences(v interface{}) ([]Reference, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, ErrInvalidData
	}
	refs := make([]Reference, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, ErrInvalidData
		}
		name, _ := m["name"].(string)
		typ, _ := m["type"].(string)
		id, _ := m["id"].(string)
		refs = append(refs, Reference{Name: name, Type: typ, ID: id})
	}
	return refs, nil
}
