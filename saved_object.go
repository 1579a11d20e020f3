package savedobjects

// Reference links a saved object to another one by type and id.
type Reference struct {
	Name string `json:"name"`
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SavedObject is the application-level record persisted in the
// saved objects index.
type SavedObject struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Namespace  string                 `json:"namespace,omitempty"`
	Attributes map[string]interface{} `json:"attributes"`
	References []Reference            `json:"references"`

	// MigrationVersion records, per type, the last transform version the
	// object has been brought up to.
	MigrationVersion map[string]string `json:"migrationVersion,omitempty"`

	UpdatedAt string `json:"updated_at,omitempty"`

	// Version is the opaque optimistic-concurrency token, see EncodeVersion.
	Version string `json:"version,omitempty"`
}

// Clone returns a deep copy so transforms can mutate freely.
func (o *SavedObject) Clone() *SavedObject {
	if o == nil {
		return nil
	}
	c := *o
	if o.Attributes != nil {
		c.Attributes = deepCopyMap(o.Attributes)
	}
	if o.References != nil {
		c.References = append([]Reference(nil), o.References...)
	}
	if o.MigrationVersion != nil {
		c.MigrationVersion = make(map[string]string, len(o.MigrationVersion))
		for k, v := range o.MigrationVersion {
			c.MigrationVersion[k] = v
		}
	}
	return &c
}

// RawDoc is the store-native envelope of a document.
type RawDoc struct {
	ID          string                 `json:"_id"`
	Source      map[string]interface{} `json:"_source"`
	SeqNo       *int64                 `json:"_seq_no,omitempty"`
	PrimaryTerm *int64                 `json:"_primary_term,omitempty"`
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
