package postgres

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestWriteEffectiveParamsSanitizesUnsafeKeys covers spec.md §5's rule that
// postgresql.auto.conf is sanitized on every write: a caller asking to set
// listen_addresses must not have it land on disk.
func TestWriteEffectiveParamsSanitizesUnsafeKeys(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	changed, err := m.WriteEffectiveParams(map[string]string{
		"listen_addresses": "0.0.0.0",
		"shared_buffers":   "256MB",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected both keys reported changed, got %v", changed)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "postgresql.auto.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "listen_addresses") {
		t.Fatalf("expected listen_addresses to be stripped, got:\n%s", raw)
	}
	if !strings.Contains(string(raw), "shared_buffers = '256MB'") {
		t.Fatalf("expected shared_buffers to be written, got:\n%s", raw)
	}
}

func TestWriteEffectiveParamsNoChangeReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	if _, err := m.WriteEffectiveParams(map[string]string{"work_mem": "4MB"}); err != nil {
		t.Fatal(err)
	}
	changed, err := m.WriteEffectiveParams(map[string]string{"work_mem": "4MB"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected no changed keys on a no-op write, got %v", changed)
	}
}

func TestWriteEffectiveParamsMergesRatherThanOverwrites(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	if _, err := m.WriteEffectiveParams(map[string]string{"work_mem": "4MB"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.WriteEffectiveParams(map[string]string{"shared_buffers": "256MB"}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "postgresql.auto.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "work_mem") || !strings.Contains(string(raw), "shared_buffers") {
		t.Fatalf("expected both prior and new keys present after a merge write, got:\n%s", raw)
	}
}

func TestWriteHBAAndIdentSkipEmpty(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{DataDir: dir}

	if err := m.WriteHBA(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pg_hba.conf")); err == nil {
		t.Fatal("expected no pg_hba.conf to be written for an empty line set")
	}

	if err := m.WriteHBA([]string{"host all all 0.0.0.0/0 md5"}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "pg_hba.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "host all all 0.0.0.0/0 md5") {
		t.Fatalf("expected supplied line to be written, got:\n%s", raw)
	}
}

func TestEscapeConfValueEscapesQuotes(t *testing.T) {
	if got := escapeConfValue("o'brien"); got != "o''brien" {
		t.Fatalf("got %q, want o''brien", got)
	}
}
