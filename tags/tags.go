// Package tags holds the per-member role-tag record and the pure filtering
// rule that decides which tags are worth reporting.
package tags

// Tags is the typed record of the per-node role tags a member advertises in
// its DCS record. Every field is optional in the sense that Go's zero value
// equals the default behaviour; Filter is what turns that into a sparse map
// for serialization.
type Tags struct {
	NoFailover     *bool  `json:"nofailover,omitempty"`
	FailoverPriority *int `json:"failover_priority,omitempty"`
	NoSync         *bool  `json:"nosync,omitempty"`
	SyncPriority   *int   `json:"sync_priority,omitempty"`
	NoLoadBalance  *bool  `json:"noloadbalance,omitempty"`
	CloneFrom      string `json:"clonefrom,omitempty"`
	ReplicateFrom  string `json:"replicatefrom,omitempty"`
	NoStream       *bool  `json:"nostream,omitempty"`
}

const defaultFailoverPriority = 1

// NoFailoverEffective resolves the nofailover/failover_priority interaction.
// An explicit nofailover always wins, even over failover_priority=0 (so
// nofailover=false, failover_priority=0 is eligible). Only when nofailover
// is unset does failover_priority==0 imply ineligibility (open question in
// spec.md §9, decided in DESIGN.md against original_source's test_patroni.py
// test_nofailover/test_failover_priority).
func (t Tags) NoFailoverEffective() bool {
	if t.NoFailover != nil {
		return *t.NoFailover
	}
	if t.FailoverPriority != nil && *t.FailoverPriority == 0 {
		return true
	}
	return false
}

// FailoverPriorityEffective returns the priority used for election ordering.
// An explicit nofailover=true forces the effective priority to 0 regardless
// of any failover_priority also set.
func (t Tags) FailoverPriorityEffective() int {
	if t.NoFailover != nil && *t.NoFailover {
		return 0
	}
	if t.FailoverPriority != nil {
		return *t.FailoverPriority
	}
	return defaultFailoverPriority
}

func (t Tags) noSync() bool {
	if t.NoSync != nil {
		return *t.NoSync
	}
	return false
}

func (t Tags) syncPriority() int {
	if t.SyncPriority != nil {
		return *t.SyncPriority
	}
	return 0
}

// ExcludedFromSync reports whether this member must never be chosen as a
// synchronous standby (nosync=true or sync_priority=0 explicitly set).
func (t Tags) ExcludedFromSync() bool {
	if t.noSync() {
		return true
	}
	return t.SyncPriority != nil && *t.SyncPriority == 0
}

// Filter drops tags equal to their default falsey value, unless a companion
// priority field was explicitly set, whatever its value (spec.md §3, §9:
// "Tag filtering drops tags equal to their default falsey value unless a
// companion priority is explicitly set").
func Filter(t Tags) map[string]any {
	out := map[string]any{}

	if t.NoFailover != nil && *t.NoFailover || t.FailoverPriority != nil {
		if t.NoFailover != nil {
			out["nofailover"] = *t.NoFailover
		}
		if t.FailoverPriority != nil {
			out["failover_priority"] = *t.FailoverPriority
		}
	}

	if t.noSync() || t.SyncPriority != nil {
		if t.NoSync != nil {
			out["nosync"] = *t.NoSync
		}
		if t.SyncPriority != nil {
			out["sync_priority"] = *t.SyncPriority
		}
	}

	if t.NoLoadBalance != nil && *t.NoLoadBalance {
		out["noloadbalance"] = true
	}
	if t.NoStream != nil && *t.NoStream {
		out["nostream"] = true
	}
	if t.CloneFrom != "" {
		out["clonefrom"] = t.CloneFrom
	}
	if t.ReplicateFrom != "" {
		out["replicatefrom"] = t.ReplicateFrom
	}

	return out
}
