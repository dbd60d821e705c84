// Package postgres is the database-process lifecycle manager (spec.md §4.2,
// C2): start/stop/promote/follow/restart, recovery-configuration handling,
// and pending-restart bookkeeping. The database binary stays a black box
// commanded through a small fixed vocabulary (pg_ctl, postgres,
// pg_controldata, pg_rewind, pg_isready, a handful of SQL queries) — this
// package never parses SQL grammar, only runs and scans fixed queries.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// ErrPrecondition signals the Python-flavoured "start() -> nil" case: a
// precondition failed (major version unknown, action cancelled) rather than
// an outright success/failure.
var ErrPrecondition = errors.New("postgres: precondition failed")

// Manager drives one local PostgreSQL instance's lifecycle. It caches the
// spawned *os.Process behind an atomic pointer (spec.md §9 "thread-shared
// _postmaster_proc cache": replace with atomic load/store of an optional
// handle) since the control loop, the async executor and SIGTERM handling
// all may touch it concurrently.
type Manager struct {
	DataDir string
	BinDir  string
	Host    string
	Port    int
	User    string
	Database string

	BeforeStopHook  string
	PrePromoteHook  string

	mu    sync.Mutex
	state LocalState

	postmaster atomic.Pointer[os.Process]

	pendingRestart     map[string]PendingRestartReason
	pendingRestartMu   sync.Mutex
}

// PendingRestartReason records why a parameter is waiting on a restart to
// take effect (spec.md §3 "Pending restart reason").
type PendingRestartReason struct {
	Old string
	New string
}

// New returns a Manager for the given data directory.
func New(dataDir, binDir, host string, port int, user, database string) *Manager {
	return &Manager{
		DataDir:  dataDir,
		BinDir:   binDir,
		Host:     host,
		Port:     port,
		User:     user,
		Database: database,
		pendingRestart: map[string]PendingRestartReason{},
	}
}

func (m *Manager) bin(name string) string {
	if m.BinDir == "" {
		return name
	}
	return filepath.Join(m.BinDir, name)
}

// State returns a copy of the last-observed local state.
func (m *Manager) State() LocalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state.State = s
	m.mu.Unlock()
}

// connString builds a libpq keyword/value connection string against the
// local instance for readiness/settings queries.
func (m *Manager) connString() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=prefer connect_timeout=5",
		m.Host, m.Port, m.User, m.Database)
}

// Connect opens a sqlx handle against the local instance using the pgx
// stdlib driver (grounded on wisbric-nightowl's jackc/pgx/v5 dependency;
// sqlx itself is the teacher's SQL-access library).
func (m *Manager) Connect(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", m.connString())
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Start writes the effective configuration, spawns postmaster, and waits
// for readiness. Idempotent if already running. Returns ErrPrecondition
// when the major version is unknown or the action was cancelled.
func (m *Manager) Start(ctx context.Context, timeout time.Duration, majorVersion float64) (bool, error) {
	if majorVersion == 0 {
		return false, ErrPrecondition
	}

	if proc := m.postmaster.Load(); proc != nil {
		if m.pollReadiness(ctx, 2*time.Second) {
			m.setState(StateRunning)
			return true, nil
		}
	}

	m.setState(StateStarting)

	cmd := exec.CommandContext(ctx, m.bin("pg_ctl"), "start",
		"-D", m.DataDir,
		"-l", filepath.Join(m.DataDir, "log", "postgresql.log"),
		"-w", "-t", strconv.Itoa(int(timeout.Seconds())),
	)
	if err := cmd.Start(); err != nil {
		m.setState(StateCrashed)
		return false, err
	}
	m.postmaster.Store(cmd.Process)

	// pg_ctl -w itself waits for startup; Wait() reaps the launcher
	// process (pg_ctl exits once postmaster is ready, it does not stay
	// resident), then pollReadiness confirms via pg_isready.
	waitErr := cmd.Wait()

	if m.pollReadiness(ctx, timeout) {
		m.setState(StateRunning)
		m.mu.Lock()
		m.state.PostmasterStartTime = time.Now()
		m.mu.Unlock()
		return true, nil
	}

	if waitErr != nil {
		m.setState(StateStartFailed)
		return false, waitErr
	}
	m.setState(StateStartFailed)
	return false, nil
}

// Stop signals postmaster and waits for exit, escalating fast -> immediate
// on timeout. onShutdown(lsn, tli) fires only when controldata confirms a
// clean shutdown checkpoint.
func (m *Manager) Stop(ctx context.Context, mode StopMode, onSafepoint func(), onShutdown func(lsn uint64, tli uint32), timeout time.Duration) (bool, error) {
	if m.BeforeStopHook != "" {
		if err := exec.CommandContext(ctx, m.BeforeStopHook).Run(); err != nil {
			log.WithError(err).Warn("before_stop hook failed, continuing shutdown")
		}
	}

	m.setState(StateStopping)

	run := func(mode StopMode) error {
		cmd := exec.CommandContext(ctx, m.bin("pg_ctl"), "stop",
			"-D", m.DataDir, "-m", string(mode),
			"-w", "-t", strconv.Itoa(int(timeout.Seconds())),
		)
		return cmd.Run()
	}

	err := run(mode)
	if err != nil && mode == StopFast {
		log.Warn("fast shutdown exceeded timeout, escalating to immediate")
		err = run(StopImmediate)
	}

	if onSafepoint != nil {
		onSafepoint()
	}

	if err != nil {
		m.setState(StateStopFailed)
		return false, err
	}

	m.postmaster.Store(nil)
	m.setState(StateStopped)

	if onShutdown != nil {
		if cd, cderr := m.ReadControlData(ctx); cderr == nil && cd.IsCleanShutdown() {
			lsn, _ := ParseLSN(cd.LatestCheckpointLocation)
			onShutdown(lsn, cd.LatestCheckpointTimeline)
		}
	}
	return true, nil
}

// Restart stops (fast) then starts; sets restart_failed on any failure.
func (m *Manager) Restart(ctx context.Context, timeout time.Duration, majorVersion float64) error {
	ok, err := m.Stop(ctx, StopFast, nil, nil, timeout)
	if err != nil || !ok {
		m.setState(StateRestartFailed)
		return fmt.Errorf("restart: stop failed: %w", err)
	}
	ok, err = m.Start(ctx, timeout, majorVersion)
	if err != nil || !ok {
		m.setState(StateRestartFailed)
		return fmt.Errorf("restart: start failed: %w", err)
	}
	m.ClearPendingRestart()
	return nil
}

// Promote runs the optional pre_promote hook (abort on non-zero exit), then
// promotes via pg_ctl. On success it records the in-memory role as primary;
// the in-memory timeline is not updated here.
func (m *Manager) Promote(ctx context.Context, waitSeconds int) (bool, error) {
	if m.PrePromoteHook != "" {
		if err := exec.CommandContext(ctx, m.PrePromoteHook).Run(); err != nil {
			return false, fmt.Errorf("pre_promote hook aborted promotion: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, m.bin("pg_ctl"), "promote",
		"-D", m.DataDir, "-w", "-t", strconv.Itoa(waitSeconds))
	if err := cmd.Run(); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.state.Role = RolePrimary
	m.mu.Unlock()
	return true, nil
}

// Follow writes recovery configuration targeting member and reloads or
// restarts depending on which parameters actually changed (spec.md §4.2).
func (m *Manager) Follow(ctx context.Context, majorVersion float64, primaryConnInfo, slotName string, timeline *uint32, doReload bool) (bool, error) {
	changed, needsRestart, err := m.WriteRecoveryConfig(majorVersion, primaryConnInfo, slotName, timeline)
	if err != nil {
		return false, err
	}
	if !changed {
		return true, nil
	}

	if needsRestart && !doReload {
		if err := m.Restart(ctx, 60*time.Second, majorVersion); err != nil {
			return false, err
		}
		return true, nil
	}

	return true, m.Reload(ctx)
}

// Reload sends SIGHUP-equivalent pg_ctl reload.
func (m *Manager) Reload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.bin("pg_ctl"), "reload", "-D", m.DataDir)
	return cmd.Run()
}

// CheckForStartup polls the readiness probe and transitions
// starting -> running on success, starting -> start_failed on a hard
// rejection, otherwise leaves the state untouched.
func (m *Manager) CheckForStartup(ctx context.Context) State {
	cur := m.State().State
	if cur != StateStarting {
		return cur
	}

	cmd := exec.CommandContext(ctx, m.bin("pg_isready"), "-h", m.Host, "-p", strconv.Itoa(m.Port))
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		m.setState(StateRunning)
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 2:
		m.setState(StateStartFailed)
	}
	return m.State().State
}

// ClearPendingRestart wipes the pending-restart map; called after a
// successful Restart.
func (m *Manager) ClearPendingRestart() {
	m.pendingRestartMu.Lock()
	defer m.pendingRestartMu.Unlock()
	m.pendingRestart = map[string]PendingRestartReason{}
}

// SetPendingRestart records parameter -> {old, new} case-insensitively.
func (m *Manager) SetPendingRestart(parameter string, old, new string) {
	m.pendingRestartMu.Lock()
	defer m.pendingRestartMu.Unlock()
	m.pendingRestart[normalizeParam(parameter)] = PendingRestartReason{Old: old, New: new}
}

// ClearPendingRestartParam removes one entry, e.g. when the operator
// reverted the desired value back to the running one.
func (m *Manager) ClearPendingRestartParam(parameter string) {
	m.pendingRestartMu.Lock()
	defer m.pendingRestartMu.Unlock()
	delete(m.pendingRestart, normalizeParam(parameter))
}

// PendingRestart returns a snapshot copy of the pending-restart map.
func (m *Manager) PendingRestart() map[string]PendingRestartReason {
	m.pendingRestartMu.Lock()
	defer m.pendingRestartMu.Unlock()
	out := make(map[string]PendingRestartReason, len(m.pendingRestart))
	for k, v := range m.pendingRestart {
		out[k] = v
	}
	return out
}

func normalizeParam(p string) string {
	b := []byte(p)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}
