package postgres

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestWriteRecoveryConfigLegacyAlwaysRestarts covers spec.md §4.2: below the
// version gate, recovery.conf is read only at start, so any change requires
// a restart.
func TestWriteRecoveryConfigLegacyAlwaysRestarts(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	changed, restart, err := m.WriteRecoveryConfig(11.0, "host=primary user=repl password=secret", "slot_a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || !restart {
		t.Fatalf("expected changed=true restart=true on first legacy write, got changed=%v restart=%v", changed, restart)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "recovery.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "primary_slot_name = 'slot_a'") {
		t.Fatalf("expected slot name in recovery.conf, got:\n%s", raw)
	}

	// A second identical call is a no-op.
	changed, restart, err = m.WriteRecoveryConfig(11.0, "host=primary user=repl password=secret", "slot_a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if changed || restart {
		t.Fatalf("expected no-op on an unchanged legacy write, got changed=%v restart=%v", changed, restart)
	}
}

// TestWriteRecoveryConfigInlinePrimaryConninfoReloadOnly covers the inline
// (>=12) path: primary_conninfo alone is hot-reloadable.
func TestWriteRecoveryConfigInlinePrimaryConninfoReloadOnly(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	changed, restart, err := m.WriteRecoveryConfig(14.0, "host=primary user=repl password=secret", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected the first inline write to report a change")
	}
	if restart {
		t.Fatal("expected primary_conninfo alone to be reload-only on >= 12")
	}

	if _, err := os.Stat(filepath.Join(dir, "standby.signal")); err != nil {
		t.Fatalf("expected standby.signal to be created: %v", err)
	}
}

// TestWriteRecoveryConfigInlineSlotNameAlwaysRestarts covers spec.md §4.2's
// "special care" carve-out: primary_slot_name forces a restart even though
// it lives inline in postgresql.auto.conf.
func TestWriteRecoveryConfigInlineSlotNameAlwaysRestarts(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	changed, restart, err := m.WriteRecoveryConfig(14.0, "host=primary user=repl password=secret", "slot_a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || !restart {
		t.Fatalf("expected slot name change to force a restart, got changed=%v restart=%v", changed, restart)
	}
}

func TestWriteRecoveryConfigInlineNoopWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	if _, _, err := m.WriteRecoveryConfig(14.0, "host=primary user=repl password=secret", "", nil); err != nil {
		t.Fatal(err)
	}
	changed, restart, err := m.WriteRecoveryConfig(14.0, "host=primary user=repl password=secret", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if changed || restart {
		t.Fatalf("expected no-op on an unchanged inline write, got changed=%v restart=%v", changed, restart)
	}
}

func TestWritePgpassSkippedWithoutCredentials(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	if _, _, err := m.WriteRecoveryConfig(14.0, "host=primary user=repl", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".pgpass")); err == nil {
		t.Fatal("expected no .pgpass written without a password")
	}
}

func TestWritePgpassDefaultsPort(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	if _, _, err := m.WriteRecoveryConfig(14.0, "host=primary user=repl password=secret", "", nil); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, ".pgpass"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(raw), "primary:5432:*:repl:secret") {
		t.Fatalf("expected default port 5432 in pgpass line, got %q", raw)
	}
}
