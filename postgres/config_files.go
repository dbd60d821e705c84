package postgres

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// unsafeAutoConfKeys are stripped from postgresql.auto.conf on every write
// (spec.md §5 "postgresql.auto.conf content is sanitized (unsafe keys
// stripped) on every write"). These are parameters that would let a stale
// auto.conf silently override operator or deployment-level settings that
// must only ever be set by the base file.
var unsafeAutoConfKeys = map[string]bool{
	"listen_addresses":          true,
	"port":                      true,
	"cluster_name":              true,
	"ssl":                       true,
	"unix_socket_directories":   true,
}

// readAutoConf parses a postgresql.auto.conf-style "key = 'value'" file.
// Missing files parse as empty, matching a not-yet-initialized instance.
func readAutoConf(path string) map[string]string {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.Trim(strings.TrimSpace(line[idx+1:]), "'")
		out[key] = val
	}
	return out
}

// writeAutoConf sanitizes and writes params to path, one `key = 'value'`
// per line, sorted for a stable diff.
func writeAutoConf(path string, params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		if unsafeAutoConfKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# Do not edit this file manually!\n")
	b.WriteString("# It is overwritten by pgsentry on every configuration change.\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = '%s'\n", k, escapeConfValue(params[k]))
	}
	return os.WriteFile(path, []byte(b.String()), 0600)
}

func escapeConfValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// WritePostgresqlConf (re)writes the top-level postgresql.conf prelude that
// includes the operator-owned base file and the agent-managed auto file
// (spec.md §6).
func (m *Manager) WritePostgresqlConf() error {
	path := filepath.Join(m.DataDir, "postgresql.conf")
	content := strings.Join([]string{
		"# Do not edit this file manually!",
		"# Managed by pgsentry: edit postgresql.base.conf for static overrides.",
		"include_if_exists 'postgresql.base.conf'",
		"include 'postgresql.auto.conf'",
		"",
	}, "\n")
	return os.WriteFile(path, []byte(content), 0600)
}

// WriteEffectiveParams merges desired into postgresql.auto.conf, sanitizing
// unsafe keys, and returns the sorted keys whose desired value differed from
// the file. Unsafe keys are reported in that list even though they are then
// stripped and never reach the disk.
func (m *Manager) WriteEffectiveParams(desired map[string]string) (changedKeys []string, err error) {
	path := filepath.Join(m.DataDir, "postgresql.auto.conf")
	existing := readAutoConf(path)

	merged := make(map[string]string, len(existing)+len(desired))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range desired {
		if existing[k] != v {
			changedKeys = append(changedKeys, k)
		}
		merged[k] = v
	}
	sort.Strings(changedKeys)

	if len(changedKeys) == 0 {
		return nil, nil
	}
	return changedKeys, writeAutoConf(path, merged)
}

// WriteHBA overwrites pg_hba.conf with the dynamic-config-supplied lines,
// when any were supplied (spec.md §6).
func (m *Manager) WriteHBA(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	path := filepath.Join(m.DataDir, "pg_hba.conf")
	content := "# Managed by pgsentry\n" + strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0600)
}

// WriteIdent overwrites pg_ident.conf the same way.
func (m *Manager) WriteIdent(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	path := filepath.Join(m.DataDir, "pg_ident.conf")
	content := "# Managed by pgsentry\n" + strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0600)
}
