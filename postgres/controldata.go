package postgres

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ControlData is the subset of `pg_controldata` output this agent reads to
// decide rewind/reinitialize eligibility and to recover the last-persisted
// floor for parameters such as max_connections when the database is down
// (spec.md §4.3 "Special cases").
type ControlData struct {
	State                    string
	LatestCheckpointTimeline uint32
	LatestCheckpointLocation string
	MinRecoveryEndLocation   string
	MaxConnections           int
	MaxWorkerProcesses       int
	MaxPreparedTransactions  int
	MaxLocksPerTransaction   int
	MaxWalSenders            int
	DatabaseSystemIdentifier string
}

// ReadControlData shells out to pg_controldata -D <datadir> and parses its
// "Key:  Value" line format. pg_controldata is part of the fixed exec
// vocabulary named in spec.md §1.
func (m *Manager) ReadControlData(ctx context.Context) (*ControlData, error) {
	cmd := exec.CommandContext(ctx, m.bin("pg_controldata"), "-D", m.DataDir)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return parseControlData(string(out)), nil
}

func parseControlData(out string) *ControlData {
	cd := &ControlData{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		switch key {
		case "Database cluster state":
			cd.State = val
		case "Latest checkpoint's TimeLineID":
			if n, err := strconv.ParseUint(val, 10, 32); err == nil {
				cd.LatestCheckpointTimeline = uint32(n)
			}
		case "Latest checkpoint location":
			cd.LatestCheckpointLocation = val
		case "Minimum recovery ending location":
			cd.MinRecoveryEndLocation = val
		case "Database system identifier":
			cd.DatabaseSystemIdentifier = val
		case "max_connections setting":
			cd.MaxConnections = atoiDefault(val)
		case "max_worker_processes setting":
			cd.MaxWorkerProcesses = atoiDefault(val)
		case "max_prepared_xacts setting":
			cd.MaxPreparedTransactions = atoiDefault(val)
		case "max_locks_per_xact setting":
			cd.MaxLocksPerTransaction = atoiDefault(val)
		case "max_wal_senders setting":
			cd.MaxWalSenders = atoiDefault(val)
		}
	}
	return cd
}

func atoiDefault(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// IsCleanShutdown reports whether controldata records a clean "shut down"
// state, which gates the on_shutdown(lsn, tli) callback in Stop.
func (cd *ControlData) IsCleanShutdown() bool {
	return cd.State == "shut down" || cd.State == "shut down in recovery"
}

// pollReadiness runs `pg_isready` repeatedly until the server accepts
// connections, timeout elapses, or ctx is cancelled.
func (m *Manager) pollReadiness(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cmd := exec.CommandContext(ctx, m.bin("pg_isready"), "-h", m.Host, "-p", strconv.Itoa(m.Port))
		if err := cmd.Run(); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}
