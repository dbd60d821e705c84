package dcs

import (
	"context"
	"fmt"
	"time"
)

// Error is a transient DCS failure (spec.md §7 DCSError): the caller retries
// with exponential backoff bounded by retry_timeout; on exhaustion the agent
// enters failsafe/demote mode.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("dcs: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a transient DCS error tagged with the failing
// operation name.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Client is the polymorphic DCS contract (spec.md §4.1), implemented by the
// etcd, Consul, Kubernetes and in-memory backends under dcs/<backend>.
// Implementations must be safe for concurrent use: the control loop calls
// TouchMember from the main tick while a backend's internal watch/informer
// goroutines may be reading the same connection.
type Client interface {
	// GetCluster performs a single, point-in-time read of the whole
	// keyspace for this scope.
	GetCluster(ctx context.Context) (*Snapshot, error)

	// AttemptToAcquireLeader CAS-creates the leader key with the
	// configured TTL. Returns true iff this agent now holds the lease;
	// idempotent when the agent already holds it.
	AttemptToAcquireLeader(ctx context.Context) (bool, error)

	// UpdateLeader refreshes the held lease and opportunistically writes
	// status (lsn, slots). The failsafe argument is accepted but not stored
	// by any backend in this module. Returns false if another holder is
	// observed (split-brain guard, spec.md S6).
	UpdateLeader(ctx context.Context, lsn uint64, slots map[string]uint64, failsafe map[string]string) (bool, error)

	// TakeLeader forcefully creates the leader key (bootstrap).
	TakeLeader(ctx context.Context) error

	// ReleaseLeader forcefully deletes the leader key (graceful
	// shutdown/demote).
	ReleaseLeader(ctx context.Context) error

	// SetFailoverValue writes /failover; a zero-value Failover deletes the
	// key (used to clear/consume the request). The version argument is not
	// checked by any backend in this module: every write is unconditional.
	SetFailoverValue(ctx context.Context, f Failover, version int) error

	// SetSyncState CAS-writes /sync guarded by version, returning the
	// value actually committed (with its new version) on success.
	SetSyncState(ctx context.Context, s SyncState, version int) (*SyncState, error)

	// SetHistoryValue appends one /history entry.
	SetHistoryValue(ctx context.Context, h HistoryEntry) error

	// ManualFailover installs an operator-requested failover/switchover.
	ManualFailover(ctx context.Context, leader, candidate string, scheduledAt time.Time) error

	// Watch blocks up to timeout or until something relevant changed
	// since leaderVersion; returns true iff a change was observed.
	Watch(ctx context.Context, leaderVersion int, timeout time.Duration) (bool, error)

	// TouchMember heartbeats this agent's own member record with TTL.
	// Safe to call from any local state.
	TouchMember(ctx context.Context, data Member) error

	// Name identifies the backend for logging ("etcd", "consul", "kubernetes", "memory").
	Name() string
}
