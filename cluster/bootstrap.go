package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/signal18/pgsentry/dcs"
	"github.com/signal18/pgsentry/executor"
	log "github.com/sirupsen/logrus"
)

// bootstrapOrCreateReplica implements spec.md §4.6 step 4: an uninitialized
// local database either bootstraps the cluster (first node, wins CAS on
// /initialize) or creates itself as a replica of the current leader.
func (c *Controller) bootstrapOrCreateReplica(ctx context.Context, snapshot *dcs.Snapshot) error {
	if snapshot.Initialize == "" && snapshot.Leader == nil {
		return c.bootstrapNewCluster(ctx)
	}
	if snapshot.Leader == nil {
		log.Debug("cluster: uninitialized locally, cluster has an initialize marker but no leader yet, waiting")
		return nil
	}
	return c.createReplicaFromLeader(ctx, snapshot, snapshot.Leader.Name)
}

func (c *Controller) bootstrapNewCluster(ctx context.Context) error {
	started := c.Exec.Run(ctx, "bootstrap", func(ctx context.Context, task *executor.Task) {
		if _, err := c.PG.Start(ctx, 5*time.Minute, 0); err != nil {
			log.WithError(err).Error("cluster: bootstrap start failed")
			return
		}
		if err := c.DCS.TakeLeader(ctx); err != nil {
			log.WithError(err).Error("cluster: take_leader failed during bootstrap")
			return
		}
		task.MarkCritical()
		log.Info("cluster: bootstrap complete, this node is the initial primary")
	})
	if !started {
		return fmt.Errorf("cluster: bootstrap requested but executor is busy")
	}
	return nil
}

func (c *Controller) createReplicaFromLeader(ctx context.Context, snapshot *dcs.Snapshot, leaderName string) error {
	leader, ok := snapshot.MemberByName(leaderName)
	if !ok {
		return fmt.Errorf("cluster: create-replica target %q not in member set", leaderName)
	}
	started := c.Exec.Run(ctx, "create_replica", func(ctx context.Context, task *executor.Task) {
		if _, _, err := c.PG.WriteRecoveryConfig(c.PG.State().MajorVersion, leader.ConnURL, "", nil); err != nil {
			log.WithError(err).Error("cluster: create-replica recovery config write failed")
			return
		}
		if _, err := c.PG.Start(ctx, 5*time.Minute, c.PG.State().MajorVersion); err != nil {
			log.WithError(err).Error("cluster: create-replica start failed")
			return
		}
		task.MarkCritical()
		log.WithField("leader", leaderName).Info("cluster: created as replica")
	})
	if !started {
		return fmt.Errorf("cluster: create-replica requested but executor is busy")
	}
	return nil
}
