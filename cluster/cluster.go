// Package cluster wires C1–C7 into the single-threaded HA control loop of
// spec.md §4.6, grounded on the teacher's Cluster struct (the per-cluster
// owner of DCS client, database handle, and policy) but rebuilt around this
// domain's decision table instead of MySQL/MariaDB topology repair.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/signal18/pgsentry/config"
	"github.com/signal18/pgsentry/dcs"
	"github.com/signal18/pgsentry/executor"
	"github.com/signal18/pgsentry/postgres"
	"github.com/signal18/pgsentry/reconcile"
	"github.com/signal18/pgsentry/tags"
	"github.com/signal18/pgsentry/watchdog"

	log "github.com/sirupsen/logrus"
)

// Controller owns one node's participation in the cluster: the DCS handle,
// the local database manager, the config reconciler registry, the async
// executor, and this node's own tags (spec.md §2 "Control flow per tick").
type Controller struct {
	DCS      dcs.Client
	PG       *postgres.Manager
	Registry *reconcile.Registry
	Exec     *executor.Executor
	WD       *watchdog.Ticker

	Cfg  config.Config
	Tags tags.Tags

	sighup chan struct{}
	stop   chan struct{}

	lastKnownFailoverVersion int
	lastKnownSyncVersion     int
	lastSnapshot             *dcs.Snapshot
}

// New builds a Controller ready to Run.
func New(cfg config.Config, dcsClient dcs.Client, pg *postgres.Manager, registry *reconcile.Registry, exec *executor.Executor, wd *watchdog.Ticker, t tags.Tags) *Controller {
	return &Controller{
		DCS: dcsClient, PG: pg, Registry: registry, Exec: exec, WD: wd,
		Cfg: cfg, Tags: t,
		sighup: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// RequestReload flags that the next tick should reload local+dynamic config
// (SIGHUP, spec.md §5 "SIGHUP flags a reload").
func (c *Controller) RequestReload() {
	select {
	case c.sighup <- struct{}{}:
	default:
	}
}

// Stop ends Run's loop after the in-flight tick completes.
func (c *Controller) Stop() { close(c.stop) }

// Run is the main control-loop goroutine: one Tick per iteration, rescheduled
// per step 9 of spec.md §4.6.
func (c *Controller) Run(ctx context.Context) {
	wait := time.Duration(c.Cfg.LoopWait) * time.Second
	if wait <= 0 {
		wait = 10 * time.Second
	}

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		if err := c.Tick(ctx); err != nil {
			log.WithError(err).Error("cluster: tick failed")
		} else if c.WD != nil {
			c.WD.Kick()
		}

		elapsed := time.Since(start)
		next := wait - elapsed
		if next < 0 {
			next = 0
		}

		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-c.sighup:
			continue
		case <-time.After(next):
		}
	}
}

// Tick runs exactly one iteration of the decision table in spec.md §4.6.
func (c *Controller) Tick(ctx context.Context) error {
	retryCtx, cancel := context.WithTimeout(ctx, time.Duration(c.Cfg.RetryTimeout)*time.Second)
	defer cancel()

	snapshot, err := c.DCS.GetCluster(retryCtx)
	if err != nil {
		Logf("HA00015", c.Cfg.Name)
		return c.tickWithoutDCS(ctx)
	}
	c.lastSnapshot = snapshot

	local := c.PG.State()
	self, _ := snapshot.MemberByName(c.Cfg.Name)

	if local.State == postgres.StateUninitialized {
		return c.bootstrapOrCreateReplica(ctx, snapshot)
	}

	isLeader := snapshot.Leader != nil && snapshot.Leader.Name == c.Cfg.Name
	localRole := local.Role

	switch {
	case isLeader && localRole == postgres.RolePrimary:
		return c.actAsHeldLeaderPrimary(ctx, snapshot, local)

	case isLeader && localRole != postgres.RolePrimary && local.State != postgres.StateStopped:
		return c.promoteAsync(ctx, "held leader key but not yet primary")

	case isLeader && local.State == postgres.StateStopped:
		if err := c.DCS.ReleaseLeader(ctx); err != nil {
			log.WithError(err).Warn("cluster: release_leader failed while demoting from stopped state")
		}
		return nil

	case snapshot.Leader != nil && snapshot.Leader.Name != c.Cfg.Name && localRole == postgres.RolePrimary:
		Logf("HA00003", snapshot.Leader.Name)
		return c.demote(ctx, "split-brain candidate: peer holds leader key")

	case snapshot.Leader != nil && snapshot.Leader.Name != c.Cfg.Name && localRole == postgres.RoleReplica:
		return c.followLeader(ctx, snapshot, snapshot.Leader.Name)

	case snapshot.IsUnlocked() && localRole == postgres.RolePrimary:
		return c.attemptAcquireOrDemote(ctx, snapshot)

	case snapshot.IsUnlocked() && localRole == postgres.RoleReplica:
		return c.contendForLeaderOrFollow(ctx, snapshot, self)
	}

	// paused/manual or advisory-only roles: honor manual state, no
	// promote/demote.
	Logf("HAW0010")
	return c.touchMember(ctx, snapshot)
}

func (c *Controller) actAsHeldLeaderPrimary(ctx context.Context, snapshot *dcs.Snapshot, local postgres.LocalState) error {
	ok, err := c.DCS.UpdateLeader(ctx, local.FlushLSN, nil, nil)
	if err != nil {
		return err
	}
	if !ok {
		Logf("HA00016")
		return c.demote(ctx, "update_leader CAS refused: another holder observed")
	}

	if err := c.reconcileConfig(ctx, snapshot); err != nil {
		Logf("HA00013", err)
	}
	if err := c.runSyncHandler(ctx, snapshot, local); err != nil {
		Logf("HA00007", err)
	}
	if err := c.honorScheduledFailover(ctx, snapshot); err != nil {
		log.WithError(err).Warn("cluster: scheduled failover handling failed")
	}
	return c.touchMember(ctx, snapshot)
}

func (c *Controller) attemptAcquireOrDemote(ctx context.Context, snapshot *dcs.Snapshot) error {
	ok, err := c.DCS.AttemptToAcquireLeader(ctx)
	if err != nil {
		Logf("HA00002", err)
		return c.touchMember(ctx, snapshot)
	}
	if !ok {
		return c.demote(ctx, "attempt_to_acquire_leader failed while already primary")
	}
	return c.touchMember(ctx, snapshot)
}

func (c *Controller) contendForLeaderOrFollow(ctx context.Context, snapshot *dcs.Snapshot, self dcs.Member) error {
	local := c.PG.State()
	best := bestLSN(snapshot.Members)

	if eligible(self, best, snapshot.Config.MaximumLagOnFailover) &&
		higherPriorityThanAllEqualLSNPeers(self, snapshot.Members) {
		ok, err := c.DCS.AttemptToAcquireLeader(ctx)
		if err != nil {
			Logf("HA00002", err)
			return c.touchMember(ctx, snapshot)
		}
		if ok {
			return c.promoteAsync(ctx, "won leader-key acquisition as eligible replica")
		}
	}

	target, ok := bestFailoverCandidate(snapshot.Members, snapshot.Config.MaximumLagOnFailover)
	if !ok {
		Logf("HA00009", c.Cfg.Scope)
		return c.touchMember(ctx, snapshot)
	}
	_ = local
	return c.followLeader(ctx, snapshot, target.Name)
}

func (c *Controller) followLeader(ctx context.Context, snapshot *dcs.Snapshot, leaderName string) error {
	leader, ok := snapshot.MemberByName(leaderName)
	if !ok {
		return fmt.Errorf("cluster: follow target %q not in member set", leaderName)
	}
	changed, err := c.PG.Follow(ctx, c.PG.State().MajorVersion, leader.ConnURL, "", nil, true)
	if err != nil {
		Logf("HA00006", leaderName, err)
	}
	_ = changed
	return c.touchMember(ctx, snapshot)
}

func (c *Controller) promoteAsync(ctx context.Context, reason string) error {
	started := c.Exec.Run(ctx, "promote", func(ctx context.Context, task *executor.Task) {
		ok, err := c.PG.Promote(ctx, 30)
		if err != nil {
			Logf("HA00004", err)
			return
		}
		if ok {
			task.MarkCritical()
			log.WithField("reason", reason).Info("cluster: promotion committed")
		}
	})
	if !started {
		return fmt.Errorf("cluster: promote already in flight, refused to start (%s)", reason)
	}
	return nil
}

func (c *Controller) demote(ctx context.Context, reason string) error {
	log.WithField("reason", reason).Warn("cluster: demoting")
	_, err := c.PG.Stop(ctx, postgres.StopFast, nil, nil, 60*time.Second)
	return err
}

func (c *Controller) touchMember(ctx context.Context, snapshot *dcs.Snapshot) error {
	local := c.PG.State()
	member := dcs.Member{
		Name:         c.Cfg.Name,
		ConnURL:      fmt.Sprintf("postgresql://%s:%d/%s", c.Cfg.PostgresqlHost, c.Cfg.PostgresqlPort, c.Cfg.PostgresqlDatabase),
		Role:         dcsRole(local.Role),
		State:        string(local.State),
		Tags:         c.Tags,
		XLogLocation: local.FlushLSN,
		Timeline:     local.Timeline,
	}
	return c.DCS.TouchMember(ctx, member)
}

// tickWithoutDCS implements the demote-on-unreachable-DCS branch of step 2,
// deferring to the failsafe check before giving up primary status.
func (c *Controller) tickWithoutDCS(ctx context.Context) error {
	local := c.PG.State()
	if local.Role != postgres.RolePrimary {
		return nil
	}
	if c.failsafeRetainsLeadership(ctx) {
		return nil
	}
	return c.demote(ctx, "DCS unreachable and failsafe could not confirm leadership")
}

func dcsRole(r postgres.Role) dcs.Role {
	switch r {
	case postgres.RolePrimary:
		return dcs.RolePrimary
	case postgres.RoleReplica:
		return dcs.RoleReplica
	case postgres.RoleStandbyLeader:
		return dcs.RoleStandbyLeader
	case postgres.RoleDemoted:
		return dcs.RoleDemoted
	default:
		return dcs.RoleUninitialized
	}
}
