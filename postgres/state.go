package postgres

import "time"

// State is the local database process state machine (spec.md §4.2):
// uninitialized -> starting -> running -> (stopping -> stopped) | crashed |
// restart_failed.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateStopFailed    State = "stop_failed"
	StateRestartFailed State = "restart_failed"
	StateStartFailed   State = "start_failed"
	StateCrashed       State = "crashed"
)

// StopMode controls how aggressively Stop tells postmaster to shut down.
type StopMode string

const (
	StopSmart     StopMode = "smart"
	StopFast      StopMode = "fast"
	StopImmediate StopMode = "immediate"
)

// LocalState is the agent's own observation of the database process
// (spec.md §3 "Local DB state").
type LocalState struct {
	Role                 Role
	State                State
	PostmasterStartTime  time.Time
	MajorVersion         float64
	Timeline             uint32
	FlushLSN             uint64
}

// Role mirrors dcs.Role without importing the dcs package, so postgres stays
// a leaf package the way the teacher keeps cluster/prx.go independent of the
// server package. cluster converts a postgres Role to a dcs.Role with dcsRole.
type Role string

const (
	RolePrimary       Role = "primary"
	RoleReplica       Role = "replica"
	RoleStandbyLeader Role = "standby_leader"
	RoleDemoted       Role = "demoted"
	RoleUninitialized Role = "uninitialized"
)
