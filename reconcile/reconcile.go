package reconcile

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ParameterChange is one entry of the restart or external-change lists.
type ParameterChange struct {
	Name string
	Old  string
	New  string
}

// Result is the outcome of one reconciliation pass (spec.md §4.3).
type Result struct {
	ReloadList      []ParameterChange
	RestartList     []ParameterChange
	ExternalChanges []ParameterChange
	Removed         []string
}

// Observed is what the agent can currently see of the running instance:
// pg_settings plus the effective config file, and (when the instance is
// down) controldata's last-persisted floor for a handful of parameters.
type Observed struct {
	Running  map[string]string // pg_settings.setting, when the instance is up
	LastWritten map[string]string // what this agent itself last wrote to auto.conf
	ControlData map[string]string // controldata floor values, only when instance is down
	InstanceUp bool
}

// controldataGatedParams are reconciled against controldata instead of
// pg_settings when the instance is down, because controldata records the
// last-persisted floor (spec.md §4.3 "Special cases").
var controldataGatedParams = map[string]bool{
	"shared_buffers": true, "max_connections": true, "max_worker_processes": true,
	"max_locks_per_transaction": true, "max_wal_senders": true, "max_prepared_transactions": true,
}

// Diff compares desired parameters P_d against the observed instance and
// classifies each change (spec.md §4.3, P5 idempotence, S5 external-change
// scenario).
func Diff(registry *Registry, majorVersion float64, desired map[string]any, observed Observed) Result {
	var res Result

	for name, rawDesired := range desired {
		validator, ok := registry.Lookup(name, majorVersion)
		if !ok && !isNamespacedPassthrough(name) {
			res.Removed = append(res.Removed, name)
			log.Warnf("reconcile: dropping unknown parameter %q", name)
			continue
		}

		desiredStr := fmt.Sprintf("%v", rawDesired)
		normalizedDesired := desiredStr
		if ok {
			n, err := validator.Normalize(desiredStr)
			if err != nil {
				res.Removed = append(res.Removed, name)
				log.Warnf("reconcile: dropping invalid value for %q: %v", name, err)
				continue
			}
			normalizedDesired = n
		}

		var currentValue string
		var haveCurrent bool
		if observed.InstanceUp {
			currentValue, haveCurrent = observed.Running[name]
		} else if controldataGatedParams[name] {
			currentValue, haveCurrent = observed.ControlData[name]
		} else {
			currentValue, haveCurrent = observed.LastWritten[name]
		}

		// pg_settings and controldata report values in their own textual
		// form (e.g. "128MB" vs. a byte count); normalize through the same
		// validator before comparing, or every tick sees a false change.
		if haveCurrent && ok {
			if n, err := validator.Normalize(currentValue); err == nil {
				currentValue = n
			}
		}

		if haveCurrent && currentValue == normalizedDesired {
			// Unchanged: still check whether what's actually running
			// diverges from what we last wrote (external change applies
			// independently of the desired-vs-running comparison).
			detectExternalChange(&res, name, observed, normalizedDesired)
			continue
		}

		change := ParameterChange{Name: name, Old: currentValue, New: normalizedDesired}
		if ok && validator.Restart {
			res.RestartList = append(res.RestartList, change)
		} else {
			res.ReloadList = append(res.ReloadList, change)
		}

		detectExternalChange(&res, name, observed, normalizedDesired)
	}

	return res
}

// detectExternalChange implements spec.md §4.3's "external_changes":
// parameters whose currently-running value differs from what this agent
// last wrote. It uses the running value when the instance is up and reports
// it, and falls back to the "?" placeholder otherwise (spec.md §9 open
// question). Each entry's New is the would-be-effective value.
func detectExternalChange(res *Result, name string, observed Observed, wouldBeEffective string) {
	lastWritten, hadLastWritten := observed.LastWritten[name]
	if !hadLastWritten {
		return
	}

	running, haveRunning := observed.Running[name]
	if !observed.InstanceUp || !haveRunning {
		running = "?"
	}

	if running != lastWritten && running != "?" {
		res.ExternalChanges = append(res.ExternalChanges, ParameterChange{
			Name: name, Old: running, New: wouldBeEffective,
		})
	} else if running == "?" {
		res.ExternalChanges = append(res.ExternalChanges, ParameterChange{
			Name: name, Old: "?", New: wouldBeEffective,
		})
	}
}

func isNamespacedPassthrough(name string) bool {
	for i := range name {
		if name[i] == '.' {
			return true
		}
	}
	return false
}
