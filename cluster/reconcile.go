package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/signal18/pgsentry/dcs"
	"github.com/signal18/pgsentry/postgres"
	"github.com/signal18/pgsentry/reconcile"

	log "github.com/sirupsen/logrus"
)

// reconcileConfig implements spec.md §4.6 step 6: diff desired vs effective
// parameters, apply hot-reloads immediately, and record restart-required
// parameters in the pending-restart map.
func (c *Controller) reconcileConfig(ctx context.Context, snapshot *dcs.Snapshot) error {
	local := c.PG.State()
	observed := reconcile.Observed{
		InstanceUp:  local.State == postgres.StateRunning,
		LastWritten: map[string]string{},
		Running:     map[string]string{},
		ControlData: map[string]string{},
	}

	for name, reason := range c.PG.PendingRestart() {
		observed.LastWritten[name] = reason.New
	}

	if observed.InstanceUp {
		db, err := c.PG.Connect(ctx)
		if err != nil {
			log.WithError(err).Warn("cluster: could not connect to read pg_settings for reconciliation")
		} else {
			defer db.Close()
			rows, err := db.QueryxContext(ctx, "SELECT name, setting FROM pg_settings")
			if err != nil {
				log.WithError(err).Warn("cluster: pg_settings query failed")
			} else {
				defer rows.Close()
				for rows.Next() {
					var name, setting string
					if err := rows.Scan(&name, &setting); err == nil {
						observed.Running[name] = setting
					}
				}
			}
		}
	} else {
		cd, err := c.PG.ReadControlData(ctx)
		if err == nil && cd != nil {
			observed.ControlData["max_connections"] = fmt.Sprintf("%d", cd.MaxConnections)
			observed.ControlData["max_worker_processes"] = fmt.Sprintf("%d", cd.MaxWorkerProcesses)
			observed.ControlData["max_prepared_transactions"] = fmt.Sprintf("%d", cd.MaxPreparedTransactions)
			observed.ControlData["max_locks_per_transaction"] = fmt.Sprintf("%d", cd.MaxLocksPerTransaction)
			observed.ControlData["max_wal_senders"] = fmt.Sprintf("%d", cd.MaxWalSenders)
		}
	}

	result := reconcile.Diff(c.Registry, local.MajorVersion, snapshot.Config.Parameters, observed)

	for _, name := range result.Removed {
		Logf("HAW0003", name)
	}
	for _, change := range result.ExternalChanges {
		Logf("HAW0005", change.Name, change.Old, change.New)
	}

	if len(result.ReloadList) > 0 {
		params := make(map[string]string, len(result.ReloadList))
		for _, change := range result.ReloadList {
			params[change.Name] = change.New
		}
		if _, err := c.PG.WriteEffectiveParams(params); err != nil {
			return fmt.Errorf("cluster: writing reload params: %w", err)
		}
		if err := c.PG.Reload(ctx); err != nil {
			return fmt.Errorf("cluster: reload failed: %w", err)
		}
	}

	if len(result.RestartList) > 0 {
		params := make(map[string]string, len(result.RestartList))
		for _, change := range result.RestartList {
			params[change.Name] = change.New
			c.PG.SetPendingRestart(change.Name, change.Old, change.New)
		}
		if _, err := c.PG.WriteEffectiveParams(params); err != nil {
			return fmt.Errorf("cluster: writing restart-pending params: %w", err)
		}
		Logf("HA00014", c.PG.PendingRestart())
	}

	return nil
}

// runSyncHandler implements spec.md §4.4/§4.6 step 7.
func (c *Controller) runSyncHandler(ctx context.Context, snapshot *dcs.Snapshot, local postgres.LocalState) error {
	decision := pickSyncStandbys(snapshot.Config.SynchronousMode, snapshot.Config.SynchronousNodeCount, c.Cfg.Name, snapshot.Members, local.MajorVersion)
	if decision.Degraded {
		Logf("HAW0006", snapshot.Config.SynchronousNodeCount, local.MajorVersion)
	}

	oldNames := snapshot.Sync.StandbyNames

	writeDCS := func() error {
		newState := dcs.SyncState{Leader: c.Cfg.Name, StandbyNames: decision.Names, Quorum: decision.Quorum}
		committed, err := c.DCS.SetSyncState(ctx, newState, snapshot.Sync.Version)
		if err != nil {
			return err
		}
		if committed != nil {
			c.lastKnownSyncVersion = committed.Version
		}
		return nil
	}
	writeDB := func() error {
		_, err := c.PG.WriteEffectiveParams(map[string]string{"synchronous_standby_names": decision.GUCValue})
		if err != nil {
			return err
		}
		return c.PG.Reload(ctx)
	}

	return applySyncOrdering(oldNames, decision.Names, writeDCS, writeDB)
}

// honorScheduledFailover checks the /failover record and, when due, hands
// off leadership to the named candidate (spec.md §4.6 step 5 "maybe honor
// scheduled failover"; ordering rule in §4.6's closing paragraph).
func (c *Controller) honorScheduledFailover(ctx context.Context, snapshot *dcs.Snapshot) error {
	if snapshot.Failover == nil || snapshot.Failover.Candidate == "" {
		return nil
	}
	f := snapshot.Failover
	if !f.ScheduledAt.IsZero() && time.Now().Before(f.ScheduledAt) {
		// not yet due: leave the request in place for a future tick.
		return nil
	}

	candidate, ok := snapshot.MemberByName(f.Candidate)
	if !ok {
		return fmt.Errorf("cluster: scheduled failover candidate %q not in member set", f.Candidate)
	}
	if !manualFailoverAllowed(candidate, snapshot.Members, snapshot.Config.MaximumLagOnFailover, false) {
		Logf("HA00020", c.Cfg.Name, f.Candidate)
		return nil
	}

	if err := c.DCS.ReleaseLeader(ctx); err != nil {
		return err
	}
	return c.demote(ctx, fmt.Sprintf("honoring scheduled failover to %s", f.Candidate))
}
