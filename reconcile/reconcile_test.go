package reconcile

import "testing"

// TestExternalChange is the baseline for spec.md §8 scenario S5: pg_settings
// reports shared_buffers=128MB while desired is 42MB, and this agent last
// wrote that same 128MB. Expected: an entry in RestartList (since desired
// changed) and none in ExternalChanges (the running value matches what was
// last written). The drift case is TestExternalChangeDetectsDriftFromLastWritten.
func TestExternalChange(t *testing.T) {
	registry := LoadRegistry()

	desired := map[string]any{"shared_buffers": "42MB"}
	observed := Observed{
		InstanceUp:  true,
		Running:     map[string]string{"shared_buffers": "131072kB"}, // 128MB in kB
		LastWritten: map[string]string{"shared_buffers": "131072kB"},
	}

	result := Diff(registry, 14.0, desired, observed)

	if len(result.RestartList) != 1 || result.RestartList[0].Name != "shared_buffers" {
		t.Fatalf("expected shared_buffers in restart list, got %+v", result.RestartList)
	}
	if len(result.ExternalChanges) != 0 {
		t.Fatalf("running value matches last-written: expected no external change, got %+v", result.ExternalChanges)
	}
}

// TestExternalChangeDetectsDriftFromLastWritten covers the case where the
// running value has drifted from what this agent itself last wrote,
// independent of whatever is currently desired.
func TestExternalChangeDetectsDriftFromLastWritten(t *testing.T) {
	registry := LoadRegistry()

	desired := map[string]any{"work_mem": "4MB"}
	observed := Observed{
		InstanceUp:  true,
		Running:     map[string]string{"work_mem": "16MB"}, // an operator changed it out-of-band
		LastWritten: map[string]string{"work_mem": "4MB"},
	}

	result := Diff(registry, 14.0, desired, observed)
	if len(result.ExternalChanges) != 1 || result.ExternalChanges[0].Name != "work_mem" {
		t.Fatalf("expected work_mem flagged as externally changed, got %+v", result.ExternalChanges)
	}
}

func TestUnknownParameterDropped(t *testing.T) {
	registry := LoadRegistry()
	result := Diff(registry, 14.0, map[string]any{"totally_made_up_param": "1"}, Observed{InstanceUp: true})
	if len(result.Removed) != 1 || result.Removed[0] != "totally_made_up_param" {
		t.Fatalf("expected unknown parameter to be dropped, got %+v", result.Removed)
	}
}

func TestNamespacedPassthroughNotDropped(t *testing.T) {
	registry := LoadRegistry()
	result := Diff(registry, 14.0, map[string]any{"pg_stat_statements.max": "5000"}, Observed{InstanceUp: true})
	if len(result.Removed) != 0 {
		t.Fatalf("expected namespaced passthrough parameter to survive, got %+v", result.Removed)
	}
}

// TestReconcileIdempotence covers spec.md §8 property P5: calling Diff
// twice with the same desired config and no state change yields no
// restart/reload entries the second time.
func TestReconcileIdempotence(t *testing.T) {
	registry := LoadRegistry()
	desired := map[string]any{"work_mem": "4MB"}
	// Running/LastWritten are recorded in this validator's normalized form
	// (Normalize("4MB") == "4194304"), matching what a second Diff call
	// against an unchanged instance would actually observe.
	observed := Observed{InstanceUp: true, Running: map[string]string{"work_mem": "4194304"}, LastWritten: map[string]string{"work_mem": "4194304"}}

	first := Diff(registry, 14.0, desired, observed)
	second := Diff(registry, 14.0, desired, observed)

	if len(first.ReloadList) != 0 || len(first.RestartList) != 0 {
		t.Fatalf("expected no changes on first call with matching observed state, got %+v / %+v", first.ReloadList, first.RestartList)
	}
	if len(second.ReloadList) != 0 || len(second.RestartList) != 0 {
		t.Fatalf("expected idempotent second call, got %+v / %+v", second.ReloadList, second.RestartList)
	}
}

func TestRestartVsReloadClassification(t *testing.T) {
	registry := LoadRegistry()
	desired := map[string]any{
		"shared_buffers": "256MB", // restart: true
		"work_mem":       "8MB",   // restart: false
	}
	observed := Observed{InstanceUp: true, Running: map[string]string{
		"shared_buffers": "128MB",
		"work_mem":       "4MB",
	}}

	result := Diff(registry, 14.0, desired, observed)
	if len(result.RestartList) != 1 || result.RestartList[0].Name != "shared_buffers" {
		t.Fatalf("expected shared_buffers in restart list, got %+v", result.RestartList)
	}
	if len(result.ReloadList) != 1 || result.ReloadList[0].Name != "work_mem" {
		t.Fatalf("expected work_mem in reload list, got %+v", result.ReloadList)
	}
}
