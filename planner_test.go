package savedobjects

import (
	"testing"
)

func TestPlan(t *testing.T) {
	desired := BuildActiveMappings([]TypeDefinition{dashboardType()})

	withoutColor := desired.Clone()
	withColor := func() Mappings {
		d := dashboardType()
		d.Mappings.Properties["color"] = FieldMapping{Type: "keyword"}
		return BuildActiveMappings([]TypeDefinition{d})
	}()

	retyped := desired.Clone()
	retyped.Properties["dashboard"].Properties["title"] = FieldMapping{Type: "keyword"}

	extraLiveField := withColor.Clone()

	staleMeta := desired.Clone()
	staleMeta.Meta = nil

	changedParam := desired.Clone()
	changedParam.Properties["dashboard"].Properties["description"].Fields["keyword"] = FieldMapping{
		Type:   "keyword",
		Params: map[string]interface{}{"ignore_above": 512},
	}

	missingMultiField := desired.Clone()
	desc := missingMultiField.Properties["dashboard"].Properties["description"]
	desc.Fields = nil
	missingMultiField.Properties["dashboard"].Properties["description"] = desc

	unknownLiveType := desired.Clone()
	unknownLiveType.Properties["canvas"] = FieldMapping{Properties: map[string]FieldMapping{"name": {Type: "text"}}}

	dynamicVersions := desired.Clone()
	mv := dynamicVersions.Properties[rootMigrationVersion]
	mv.Properties = map[string]FieldMapping{"dashboard": {Type: "text"}}
	dynamicVersions.Properties[rootMigrationVersion] = mv

	nonStrict := desired.Clone()
	nonStrict.Dynamic = DynamicTrue

	tests := []struct {
		name    string
		in      PlanInput
		desired Mappings
		want    Action
	}{
		{"outdated documents", PlanInput{MigrationsUpToDate: false, AliasBound: true, LiveMappings: desired}, desired, ActionMigrate},
		{"alias not bound", PlanInput{MigrationsUpToDate: true, AliasBound: false, LiveMappings: desired}, desired, ActionMigrate},
		{"identical", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: desired}, desired, ActionNone},
		{"additive field", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: withoutColor}, withColor, ActionPatch},
		{"additive multi-field", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: missingMultiField}, desired, ActionPatch},
		{"missing root property", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: Mappings{Dynamic: DynamicStrict, Properties: map[string]FieldMapping{}}}, desired, ActionPatch},
		{"stale hashes", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: staleMeta}, desired, ActionPatch},
		{"type change", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: retyped}, desired, ActionMigrate},
		{"parameter change", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: changedParam}, desired, ActionMigrate},
		{"field removed", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: extraLiveField}, desired, ActionMigrate},
		{"dynamic changed", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: nonStrict}, desired, ActionMigrate},
		{"unknown live type ignored", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: unknownLiveType}, desired, ActionNone},
		{"dynamic object grew fields", PlanInput{MigrationsUpToDate: true, AliasBound: true, LiveMappings: dynamicVersions}, desired, ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.DesiredMappings = tt.desired
			got := Plan(in)
			if got.Action != tt.want {
				t.Errorf("Plan() = %v (%s), want %v", got.Action, got.Reason, tt.want)
			}
			if got.Reason == "" {
				t.Error("expected a reason")
			}
		})
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	desired := BuildActiveMappings([]TypeDefinition{dashboardType()})
	live := desired.Clone()
	live.Properties["dashboard"].Properties["title"] = FieldMapping{Type: "keyword"}

	for _, in := range []PlanInput{
		{MigrationsUpToDate: true, AliasBound: true, LiveMappings: desired, DesiredMappings: desired},
		{MigrationsUpToDate: true, AliasBound: true, LiveMappings: live, DesiredMappings: desired},
		{MigrationsUpToDate: false, AliasBound: true, LiveMappings: desired, DesiredMappings: desired},
	} {
		first := Plan(in)
		second := Plan(in)
		if first != second {
			t.Errorf("Plan is not idempotent: %+v then %+v", first, second)
		}
	}
}

func TestActionString(t *testing.T) {
	if ActionPatch.String() != "patch" || ActionMigrate.String() != "migrate" || ActionNone.String() != "none" {
		t.Error("unexpected action names")
	}
}
