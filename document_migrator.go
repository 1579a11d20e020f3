package savedobjects

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// DocumentMigrator brings saved objects up to the latest version of their
// type by running every outstanding transform in ascending version order.
// The transform chain of each type is resolved once, when the migrator is
// built.
type DocumentMigrator struct {
	registry   *TypeRegistry
	transforms map[string][]registeredTransform
	latest     map[string]string
	maxSteps   int
}

// NewDocumentMigrator resolves the transforms registered on registry.
// Invalid or duplicate version tokens are configuration errors.
func NewDocumentMigrator(registry *TypeRegistry) (*DocumentMigrator, error) {
	m := &DocumentMigrator{
		registry:   registry,
		transforms: registry.transformsFor(),
		latest:     make(map[string]string),
		maxSteps:   1,
	}

	for typeName, ts := range m.transforms {
		for _, t := range ts {
			if !semver.IsValid(canonicalVersion(t.version)) {
				return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
					"type":    typeName,
					"version": t.version,
					"reason":  "transform version is not a semantic version",
				})
			}
		}
		sort.SliceStable(ts, func(i, j int) bool {
			return compareVersions(ts[i].version, ts[j].version) < 0
		})
		for i := 1; i < len(ts); i++ {
			if compareVersions(ts[i-1].version, ts[i].version) == 0 {
				return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
					"type":    typeName,
					"version": ts[i].version,
					"reason":  "duplicate transform version",
				})
			}
		}
		if len(ts) > 0 {
			m.latest[typeName] = ts[len(ts)-1].version
		}
		m.maxSteps += len(ts)
	}
	return m, nil
}

// MigrationVersion returns the version every document of each type ends
// up at.
func (m *DocumentMigrator) MigrationVersion() map[string]string {
	out := make(map[string]string, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}

// Migrate returns an upgraded copy of doc. The input is never modified.
func (m *DocumentMigrator) Migrate(doc *SavedObject) (*SavedObject, error) {
	if doc == nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "nil document"})
	}
	current := doc.Clone()
	if current.MigrationVersion == nil {
		current.MigrationVersion = map[string]string{}
	}

	if err := m.checkNotNewer(current); err != nil {
		return nil, err
	}

	for step := 0; ; step++ {
		if step > m.maxSteps {
			return nil, fmt.Errorf("%w: document %q did not settle after %d transforms, type conversions form a cycle",
				ErrTransformFailed, doc.ID, step)
		}

		typ := current.Type
		next, ok, err := m.nextTransform(current)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		result, err := next.fn(current)
		if err != nil {
			return nil, fmt.Errorf("%w: document %q of type %s at version %s: %w",
				ErrTransformFailed, doc.ID, typ, next.version, err)
		}
		if result == nil {
			return nil, fmt.Errorf("%w: document %q of type %s at version %s: transform returned no document",
				ErrTransformFailed, doc.ID, typ, next.version)
		}
		if result.MigrationVersion == nil {
			result.MigrationVersion = map[string]string{}
		}
		result.MigrationVersion[typ] = next.version
		current = result
	}

	if def, ok := m.registry.Type(current.Type); ok && def.Validate != nil {
		if err := def.Validate(current); err != nil {
			return nil, fmt.Errorf("%w: document %q failed validation for type %s: %w",
				ErrInvalidData, doc.ID, current.Type, err)
		}
	}
	return current, nil
}

// nextTransform finds the first transform of the document's type that is
// newer than the version it records.
func (m *DocumentMigrator) nextTransform(doc *SavedObject) (registeredTransform, bool, error) {
	ts := m.transforms[doc.Type]
	if len(ts) == 0 {
		return registeredTransform{}, false, nil
	}
	recorded := doc.MigrationVersion[doc.Type]
	if recorded != "" && !semver.IsValid(canonicalVersion(recorded)) {
		return registeredTransform{}, false, WithContext(ErrInvalidData, map[string]interface{}{
			"id":      doc.ID,
			"type":    doc.Type,
			"version": recorded,
			"reason":  "recorded migration version is not a semantic version",
		})
	}
	for _, t := range ts {
		if recorded == "" || compareVersions(t.version, recorded) > 0 {
			return t, true, nil
		}
	}
	return registeredTransform{}, false, nil
}

// checkNotNewer rejects documents written by a newer release. Keys for
// types this process has no transforms for are ignored.
func (m *DocumentMigrator) checkNotNewer(doc *SavedObject) error {
	for typ, recorded := range doc.MigrationVersion {
		latest, known := m.latest[typ]
		if !known || recorded == "" || !semver.IsValid(canonicalVersion(recorded)) {
			continue
		}
		if compareVersions(recorded, latest) > 0 {
			return WithContext(ErrNewerVersion, map[string]interface{}{
				"id":      doc.ID,
				"type":    typ,
				"version": recorded,
				"latest":  latest,
			})
		}
	}
	return nil
}

func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func compareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}
