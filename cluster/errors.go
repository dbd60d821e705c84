package cluster

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// codes is the error/warning message-template table, keyed by code,
// grounded on the teacher's cluster/error.go ERRnnnnn/WARNnnnnn map and
// renamed to this domain's vocabulary (leader election, sync replication,
// process lifecycle) instead of MySQL/MariaDB topology repair.
var codes = map[string]string{
	"HA00001": "could not read cluster snapshot from dcs: %s",
	"HA00002": "could not acquire leader key: %s",
	"HA00003": "lost leader key: another holder %s observed, demoting",
	"HA00004": "promote failed: %s",
	"HA00005": "pre_promote hook aborted promotion: %s",
	"HA00006": "follow failed for member %s: %s",
	"HA00007": "could not write synchronous_standby_names: %s",
	"HA00008": "sync state cas failed, retrying next tick",
	"HA00009": "no candidate found in cluster %s for failover",
	"HA00010": "candidate %s refused: lag %d exceeds maximum_lag_on_failover %d",
	"HA00011": "candidate %s refused: nofailover tag set",
	"HA00012": "candidate %s refused: lower failover_priority than %s",
	"HA00013": "reconcile failed: %s",
	"HA00014": "restart required for pending parameters: %v",
	"HA00015": "dcs unreachable for %s, entering failsafe/demote evaluation",
	"HA00016": "split brain detected: held leader key per stale snapshot but update_leader refused",
	"HA00017": "rewind failed: %s",
	"HA00018": "reinitialize required: timeline %d does not descend from leader timeline %d",
	"HA00019": "watchdog keepalive missed, control loop may be wedged",
	"HA00020": "manual failover request %s -> %s rejected: lag guard",
	"HAW0001": "cluster has no leader key, all members attempting acquisition",
	"HAW0002": "member %s declared role %q is advisory only, ignoring for safety-critical decision",
	"HAW0003": "parameter %q dropped: unknown to this server version",
	"HAW0004": "parameter %q dropped: invalid value %q",
	"HAW0005": "external change detected on %q: running=%q would_be_effective=%q",
	"HAW0006": "synchronous_node_count %d exceeds what server version %.1f can express, falling back to '*'",
	"HAW0007": "cascading replica %s excluded from sync candidates: direct-streaming equivalent exists",
	"HAW0008": "failsafe mode: peer %s did not confirm leadership",
	"HAW0009": "scheduled failover %s -> %s not yet due (scheduled_at=%s)",
	"HAW0010": "paused: honoring manual state, skipping promote/demote decision",
}

// Logf looks up code's template, formats it with args, and logs at Error or
// Warn depending on the "HA0"/"HAW" prefix — the same idiom as the teacher's
// LogPrintf(code, args...).
func Logf(code string, args ...any) {
	tmpl, ok := codes[code]
	if !ok {
		log.Errorf("unknown error code %s", code)
		return
	}
	msg := tmpl
	if len(args) > 0 {
		msg = fmt.Sprintf(tmpl, args...)
	}
	entry := log.WithField("code", code)
	if len(code) > 2 && code[2] == 'W' {
		entry.Warn(msg)
	} else {
		entry.Error(msg)
	}
}
