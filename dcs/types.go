// Package dcs defines the distributed-configuration-store vocabulary shared
// by every backend (etcd, Consul, Kubernetes, the in-memory test double) and
// by the cluster control loop that consumes it. Types here are the wire
// vocabulary of the keyspace in SPEC_FULL.md §6: /config, /leader, /members,
// /failover, /sync, /history, /status.
package dcs

import (
	"sort"
	"time"

	"github.com/signal18/pgsentry/tags"
)

// Role is a member's last self-reported role. Per spec.md I3 this is
// advisory only and MUST NOT be used for safety-critical decisions.
type Role string

const (
	RolePrimary       Role = "primary"
	RoleReplica       Role = "replica"
	RoleStandbyLeader Role = "standby_leader"
	RoleDemoted       Role = "demoted"
	RoleUninitialized Role = "uninitialized"
)

// SyncReplicationState ranks a standby's position in the synchronous set,
// used by the C4 priority picker (sync > potential > quorum > async).
type SyncReplicationState string

const (
	SyncStateSync      SyncReplicationState = "sync"
	SyncStatePotential SyncReplicationState = "potential"
	SyncStateQuorum    SyncReplicationState = "quorum"
	SyncStateAsync     SyncReplicationState = "async"
)

func (s SyncReplicationState) rank() int {
	switch s {
	case SyncStateSync:
		return 3
	case SyncStatePotential:
		return 2
	case SyncStateQuorum:
		return 1
	default:
		return 0
	}
}

// Less reports whether s ranks ahead of other for sync-standby selection
// (higher rank wins).
func (s SyncReplicationState) Less(other SyncReplicationState) bool {
	return s.rank() > other.rank()
}

// Member is one entry of the /members/<name> keyspace.
type Member struct {
	Name         string    `json:"name"`
	APIURL       string    `json:"api_url"`
	ConnURL      string    `json:"conn_url"`
	Role         Role      `json:"role"`
	State        string    `json:"state"`
	Tags         tags.Tags `json:"tags"`
	SyncState    SyncReplicationState `json:"sync_state"`
	XLogLocation uint64    `json:"xlog_location"`
	Timeline     uint32    `json:"timeline"`
	Version      string    `json:"version"`
	Session      string    `json:"session"`
}

// Lag returns how far behind lsn this member's flush position is. Negative
// results (member ahead) are clamped to zero.
func (m Member) Lag(lsn uint64) uint64 {
	if m.XLogLocation >= lsn {
		return 0
	}
	return lsn - m.XLogLocation
}

// Leader is the /leader key payload: {name, renew_deadline}. A nil *Leader
// means "unlocked".
type Leader struct {
	Name         string    `json:"name"`
	Session      string    `json:"session"`
	RenewDeadline time.Time `json:"renew_deadline"`
}

// Failover is the optional /failover pending-request record.
type Failover struct {
	Leader      string    `json:"leader"`
	Candidate   string    `json:"candidate"`
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
}

// SyncState is the /sync CAS-versioned synchronous-state record (I2).
type SyncState struct {
	Version      int      `json:"version"`
	Leader       string   `json:"leader"`
	StandbyNames []string `json:"sync_standby"`
	Quorum       int      `json:"quorum"`
}

// Contains reports whether name is a member of the declared sync set.
func (s SyncState) Contains(name string) bool {
	for _, n := range s.StandbyNames {
		if n == name {
			return true
		}
	}
	return false
}

// HistoryEntry is one append-only /history record (I4: timelines strictly
// increase, one entry per promotion commit).
type HistoryEntry struct {
	Timeline  uint32    `json:"timeline"`
	SwitchLSN uint64    `json:"switch_lsn"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	NewLeader string    `json:"new_leader"`
}

// Status is the leader-written advisory /status record.
type Status struct {
	LastLSN uint64            `json:"last_lsn"`
	Slots   map[string]uint64 `json:"slots,omitempty"`
}

// SlotSpec describes one statically-declared replication slot.
type SlotSpec struct {
	Type string `json:"type"` // "physical" or "logical"
	Plugin string `json:"plugin,omitempty"`
	Database string `json:"database,omitempty"`
}

// StandbyClusterConfig configures this cluster as a cascading standby of a
// remote cluster (spec.md §3 "standby_cluster spec").
type StandbyClusterConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	CreateReplicaMethods []string `json:"create_replica_methods,omitempty"`
}

// DynamicConfig is the versioned /config payload (spec.md §3).
type DynamicConfig struct {
	Version              int                    `json:"version"`
	TTL                  int                     `json:"ttl"`
	LoopWait             int                     `json:"loop_wait"`
	RetryTimeout         int                     `json:"retry_timeout"`
	SynchronousMode      string                  `json:"synchronous_mode"` // off|on|quorum
	SynchronousNodeCount int                     `json:"synchronous_node_count"`
	MaximumLagOnFailover uint64                  `json:"maximum_lag_on_failover"`
	MasterStartTimeout   int                     `json:"master_start_timeout"`
	Parameters           map[string]any          `json:"parameters"`
	PgHBA                []string                `json:"pg_hba,omitempty"`
	PgIdent              []string                `json:"pg_ident,omitempty"`
	Slots                map[string]SlotSpec     `json:"slots,omitempty"`
	StandbyCluster       *StandbyClusterConfig   `json:"standby_cluster,omitempty"`
}

// Snapshot is the immutable, once-per-tick read of the whole cluster state
// (spec.md §3). It is never mutated in place; With* methods return copies
// (the "with_members builder" called for in spec.md §9).
type Snapshot struct {
	Initialize string
	Config     DynamicConfig
	Leader     *Leader
	Members    []Member // ordered by Name
	Failover   *Failover
	Sync       SyncState
	Status     Status
	History    []HistoryEntry
}

// WithMembers returns a copy of s with Members replaced by a name-sorted
// copy of members.
func (s Snapshot) WithMembers(members []Member) Snapshot {
	cp := make([]Member, len(members))
	copy(cp, members)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })
	s.Members = cp
	return s
}

// WithSync returns a copy of s with Sync replaced.
func (s Snapshot) WithSync(sync SyncState) Snapshot {
	s.Sync = sync
	return s
}

// WithLeader returns a copy of s with Leader replaced.
func (s Snapshot) WithLeader(leader *Leader) Snapshot {
	s.Leader = leader
	return s
}

// MemberByName looks up a member in the ordered set.
func (s Snapshot) MemberByName(name string) (Member, bool) {
	for _, m := range s.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// IsUnlocked reports whether no one currently holds the leader key.
func (s Snapshot) IsUnlocked() bool {
	return s.Leader == nil
}
