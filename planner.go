package savedobjects

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Action is what the planner decided has to happen to an index.
type Action int

const (
	// ActionNone means the live index already matches.
	ActionNone Action = iota
	// ActionPatch means the desired mappings only add fields, so a
	// put-mapping on the live index is enough.
	ActionPatch
	// ActionMigrate means documents have to be copied into a new index.
	ActionMigrate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPatch:
		return "patch"
	case ActionMigrate:
		return "migrate"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// PlanInput is everything Plan looks at. All of it is read by the caller.
type PlanInput struct {
	MigrationsUpToDate bool
	AliasBound         bool
	LiveMappings       Mappings
	DesiredMappings    Mappings
}

// Decision is the outcome of Plan. Reason is meant for log lines.
type Decision struct {
	Action Action
	Reason string
}

// Plan decides between leaving the index alone, patching its mappings
// and a full migration.
//
// Only root properties named in the desired mappings are compared; live
// properties this release does not know are left to
// DisableUnknownTypeMappingFields. Within a property, a changed type or
// parameter and a field that exists live but is no longer desired force a
// migration. Fields that are desired but missing live can be patched in.
func Plan(in PlanInput) Decision {
	if !in.MigrationsUpToDate {
		return Decision{Action: ActionMigrate, Reason: "documents are not at the latest migration version"}
	}
	if !in.AliasBound {
		return Decision{Action: ActionMigrate, Reason: "alias is not bound to a concrete index"}
	}

	live, desired := in.LiveMappings, in.DesiredMappings
	if normalizedDynamic(live.Dynamic) != normalizedDynamic(desired.Dynamic) {
		return Decision{
			Action: ActionMigrate,
			Reason: fmt.Sprintf("dynamic changed from %q to %q", live.Dynamic, desired.Dynamic),
		}
	}

	var missing []string
	for _, name := range sortedKeys(desired.Properties) {
		liveProp, ok := live.Properties[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		action, path := diffField(name, liveProp, desired.Properties[name])
		switch action {
		case ActionMigrate:
			return Decision{Action: ActionMigrate, Reason: fmt.Sprintf("mapping of %s changed incompatibly", path)}
		case ActionPatch:
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return Decision{Action: ActionPatch, Reason: fmt.Sprintf("mappings are missing %v", missing)}
	}

	if stale := staleHashes(live.PropertyHashes(), desired.PropertyHashes()); len(stale) > 0 {
		return Decision{Action: ActionPatch, Reason: fmt.Sprintf("mapping hashes are out of date for %v", stale)}
	}
	return Decision{Action: ActionNone, Reason: "index is up to date"}
}

// diffField compares one field and its children. The returned path names
// the first field that decided the action.
func diffField(path string, live, desired FieldMapping) (Action, string) {
	if fieldType(live) != fieldType(desired) {
		return ActionMigrate, path
	}
	if normalizedDynamic(live.Dynamic) != normalizedDynamic(desired.Dynamic) {
		return ActionMigrate, path
	}
	if !sameParams(live.Params, desired.Params) {
		return ActionMigrate, path
	}

	result, resultPath := ActionNone, ""
	for _, children := range []struct {
		sep           string
		live, desired map[string]FieldMapping
	}{
		{".", live.Properties, desired.Properties},
		{".fields.", live.Fields, desired.Fields},
	} {
		for _, name := range sortedKeys(children.live) {
			if _, ok := children.desired[name]; !ok && !dynamicChildren(desired, children.sep) {
				return ActionMigrate, path + children.sep + name
			}
		}
		for _, name := range sortedKeys(children.desired) {
			childPath := path + children.sep + name
			liveChild, ok := children.live[name]
			if !ok {
				if result == ActionNone {
					result, resultPath = ActionPatch, childPath
				}
				continue
			}
			action, p := diffField(childPath, liveChild, children.desired[name])
			if action == ActionMigrate {
				return ActionMigrate, p
			}
			if action == ActionPatch && result == ActionNone {
				result, resultPath = ActionPatch, p
			}
		}
	}
	return result, resultPath
}

// fieldType treats an untyped field as an object, which is how the store
// reports objects back.
func fieldType(f FieldMapping) string {
	if f.Type == "" {
		return "object"
	}
	return f.Type
}

// dynamicChildren reports whether the store may add properties to f on its
// own, in which case extra live properties are expected.
func dynamicChildren(f FieldMapping, sep string) bool {
	return sep == "." && f.Dynamic == DynamicTrue
}

func normalizedDynamic(d DynamicMode) DynamicMode {
	if d == DynamicUnset {
		return DynamicTrue
	}
	return d
}

func sameParams(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	x, errA := json.Marshal(a)
	y, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(x, y)
}

func staleHashes(live, desired map[string]string) []string {
	var stale []string
	for name, hash := range desired {
		if live[name] != hash {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	return stale
}

func sortedKeys(m map[string]FieldMapping) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
