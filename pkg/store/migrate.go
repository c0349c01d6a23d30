package store

import "github.com/agentforge/agentforge/pkg/models"

// migrateState transforms an older persisted state map forward to the
// current schema, one version step at a time. Returns the (possibly new)
// map and whether anything changed. Migration never discards fields;
// migrating a state already at the current version is a no-op.
func migrateState(raw map[string]any) (map[string]any, bool) {
	version, _ := raw["schema_version"].(string)
	if version == "" {
		version = "1.0"
	}
	migrated := false

	// 1.0 → 2.0: adds phase_machine_state and
	// verification.ready_for_completion (default false).
	if version == "1.0" {
		if _, ok := raw["phase_machine_state"]; !ok {
			phase, _ := raw["phase"].(string)
			if phase == "" {
				phase = string(models.PhaseInit)
			}
			raw["phase_machine_state"] = map[string]any{
				"current_phase":  phase,
				"steps_in_phase": 0,
			}
		}
		verification, ok := raw["verification"].(map[string]any)
		if !ok {
			verification = map[string]any{}
			raw["verification"] = verification
		}
		if _, ok := verification["ready_for_completion"]; !ok {
			verification["ready_for_completion"] = false
		}
		version = "2.0"
		migrated = true
	}

	raw["schema_version"] = version
	return raw, migrated
}
