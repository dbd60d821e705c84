package postgres

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// recoveryGateVersion is the major version at and after which recovery
// parameters moved inline into postgresql.auto.conf + standby.signal,
// replacing the separate recovery.conf file read only at start
// (spec.md §4.2).
const recoveryGateVersion = 12.0

// hotReloadableRecoveryParams lists recovery parameters that can change
// without a restart from recoveryGateVersion onward. primary_slot_name is
// deliberately excluded: changing it requires a restart even on >= 12
// (spec.md §4.2 "special care").
var hotReloadableRecoveryParams = map[string]bool{
	"primary_conninfo":    true,
	"recovery_min_apply_delay": true,
}

// WriteRecoveryConfig writes the recovery configuration appropriate to
// majorVersion, targeting the given primary and replication slot. It
// reports whether anything changed and whether the change requires a
// restart (as opposed to a reload).
func (m *Manager) WriteRecoveryConfig(majorVersion float64, primaryConnInfo, slotName string, timeline *uint32) (changed bool, needsRestart bool, err error) {
	if err := m.writePgpass(primaryConnInfo); err != nil {
		return false, false, err
	}

	if majorVersion < recoveryGateVersion {
		return m.writeLegacyRecoveryConf(primaryConnInfo, slotName, timeline)
	}
	return m.writeInlineRecoveryConf(primaryConnInfo, slotName, timeline)
}

func (m *Manager) writeLegacyRecoveryConf(primaryConnInfo, slotName string, timeline *uint32) (bool, bool, error) {
	path := filepath.Join(m.DataDir, "recovery.conf")

	prev, _ := os.ReadFile(path)

	var b strings.Builder
	fmt.Fprintf(&b, "standby_mode = 'on'\n")
	fmt.Fprintf(&b, "primary_conninfo = '%s'\n", primaryConnInfo)
	if slotName != "" {
		fmt.Fprintf(&b, "primary_slot_name = '%s'\n", slotName)
	}
	if timeline != nil {
		fmt.Fprintf(&b, "recovery_target_timeline = '%d'\n", *timeline)
	} else {
		fmt.Fprintf(&b, "recovery_target_timeline = 'latest'\n")
	}

	content := b.String()
	if string(prev) == content {
		return false, false, nil
	}
	// The whole file is read only at start, so any change here requires
	// a restart.
	return true, true, os.WriteFile(path, []byte(content), 0600)
}

func (m *Manager) writeInlineRecoveryConf(primaryConnInfo, slotName string, timeline *uint32) (bool, bool, error) {
	signal := filepath.Join(m.DataDir, "standby.signal")
	if _, err := os.Stat(signal); os.IsNotExist(err) {
		if err := os.WriteFile(signal, nil, 0600); err != nil {
			return false, false, err
		}
	}

	path := filepath.Join(m.DataDir, "postgresql.auto.conf")
	existing := readAutoConf(path)

	needsRestart := false
	changed := false

	set := func(key, value string) {
		old, had := existing[key]
		if had && old == value {
			return
		}
		changed = true
		existing[key] = value
		if !hotReloadableRecoveryParams[key] {
			needsRestart = true
		}
	}

	set("primary_conninfo", primaryConnInfo)
	if slotName != "" {
		// primary_slot_name always forces a restart even though it lives
		// inline (spec.md §4.2 "special care").
		if existing["primary_slot_name"] != slotName {
			changed = true
			needsRestart = true
			existing["primary_slot_name"] = slotName
		}
	}
	if timeline != nil {
		set("recovery_target_timeline", fmt.Sprintf("%d", *timeline))
	}

	if !changed {
		return false, false, nil
	}
	return true, needsRestart, writeAutoConf(path, existing)
}

// writePgpass materializes a 0600 .pgpass line from a keyword/value
// primary_conninfo string (spec.md §6 "a generated .pgpass containing the
// replication password").
func (m *Manager) writePgpass(primaryConnInfo string) error {
	kv := parseConnInfo(primaryConnInfo)
	host := kv["host"]
	port := kv["port"]
	user := kv["user"]
	password := kv["password"]
	if host == "" || password == "" {
		return nil
	}
	if port == "" {
		port = "5432"
	}

	line := fmt.Sprintf("%s:%s:*:%s:%s\n", host, port, user, password)
	path := filepath.Join(m.DataDir, ".pgpass")
	return os.WriteFile(path, []byte(line), 0600)
}

func parseConnInfo(s string) map[string]string {
	out := map[string]string{}
	for _, field := range strings.Fields(s) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], "'\"")
	}
	return out
}
