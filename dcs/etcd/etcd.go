// Package etcd implements dcs.Client against etcd v3, grounded on the
// coreos/etcd clientv3 usage in the stolon-pgbouncer failover pipeline
// (other_examples/…shishirkhandelwal29-stolon-pgbouncer__pkg-failover-failover.go.go)
// and updated to the current go.etcd.io/etcd/client/v3 module path.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/signal18/pgsentry/dcs"
)

// Config configures the etcd backend.
type Config struct {
	Endpoints []string
	Scope     string // key prefix, e.g. "/service/mycluster"
	Name      string // this agent's member name
	TTL       time.Duration
	DialTimeout time.Duration
	Username, Password string
}

// Client is the etcd-backed dcs.Client.
type Client struct {
	cfg    Config
	cli    *clientv3.Client
	leaseID clientv3.LeaseID
}

// New dials etcd and returns a ready Client.
func New(cfg Config) (*Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, dcs.NewError("dial", err)
	}
	return &Client{cfg: cfg, cli: cli}, nil
}

func (c *Client) Name() string { return "etcd" }

func (c *Client) key(parts ...string) string {
	return strings.Join(append([]string{strings.TrimRight(c.cfg.Scope, "/")}, parts...), "/")
}

func (c *Client) leaderKey() string { return c.key("leader") }

func (c *Client) memberKey(name string) string { return c.key("members", name) }

func (c *Client) GetCluster(ctx context.Context) (*dcs.Snapshot, error) {
	resp, err := c.cli.Get(ctx, c.cfg.Scope+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, dcs.NewError("get_cluster", err)
	}

	snap := &dcs.Snapshot{}
	members := []dcs.Member{}

	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		rel := strings.TrimPrefix(key, c.cfg.Scope+"/")
		switch {
		case rel == "initialize":
			snap.Initialize = string(kv.Value)
		case rel == "config":
			_ = json.Unmarshal(kv.Value, &snap.Config)
		case rel == "leader":
			var l dcs.Leader
			if json.Unmarshal(kv.Value, &l) == nil {
				snap.Leader = &l
			}
		case rel == "failover":
			var f dcs.Failover
			if json.Unmarshal(kv.Value, &f) == nil {
				snap.Failover = &f
			}
		case rel == "sync":
			_ = json.Unmarshal(kv.Value, &snap.Sync)
			snap.Sync.Version = int(kv.ModRevision)
		case rel == "status":
			_ = json.Unmarshal(kv.Value, &snap.Status)
		case rel == "history":
			_ = json.Unmarshal(kv.Value, &snap.History)
		case strings.HasPrefix(rel, "members/"):
			var m dcs.Member
			if json.Unmarshal(kv.Value, &m) == nil {
				members = append(members, m)
			}
		}
	}

	*snap = snap.WithMembers(members)
	return snap, nil
}

func (c *Client) ensureLease(ctx context.Context) (clientv3.LeaseID, error) {
	if c.leaseID != 0 {
		if _, err := c.cli.KeepAliveOnce(ctx, c.leaseID); err == nil {
			return c.leaseID, nil
		}
	}
	lease, err := c.cli.Grant(ctx, int64(c.cfg.TTL.Seconds()))
	if err != nil {
		return 0, err
	}
	c.leaseID = lease.ID
	return lease.ID, nil
}

func (c *Client) AttemptToAcquireLeader(ctx context.Context) (bool, error) {
	lease, err := c.ensureLease(ctx)
	if err != nil {
		return false, dcs.NewError("attempt_to_acquire_leader", err)
	}

	payload, _ := json.Marshal(dcs.Leader{Name: c.cfg.Name, Session: fmt.Sprintf("%x", lease), RenewDeadline: time.Now().Add(c.cfg.TTL)})

	txn := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(c.leaderKey()), "=", 0)).
		Then(clientv3.OpPut(c.leaderKey(), string(payload), clientv3.WithLease(lease))).
		Else(clientv3.OpGet(c.leaderKey()))

	resp, err := txn.Commit()
	if err != nil {
		return false, dcs.NewError("attempt_to_acquire_leader", err)
	}
	if resp.Succeeded {
		return true, nil
	}

	// Key exists: idempotent success if we already hold it.
	for _, kv := range resp.Responses[0].GetResponseRange().Kvs {
		var l dcs.Leader
		if json.Unmarshal(kv.Value, &l) == nil && l.Name == c.cfg.Name {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) UpdateLeader(ctx context.Context, lsn uint64, slots map[string]uint64, failsafe map[string]string) (bool, error) {
	resp, err := c.cli.Get(ctx, c.leaderKey())
	if err != nil {
		return false, dcs.NewError("update_leader", err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	var l dcs.Leader
	if json.Unmarshal(resp.Kvs[0].Value, &l) != nil || l.Name != c.cfg.Name {
		return false, nil
	}

	if _, err := c.ensureLease(ctx); err != nil {
		return false, dcs.NewError("update_leader", err)
	}

	status, _ := json.Marshal(dcs.Status{LastLSN: lsn, Slots: slots})
	if _, err := c.cli.Put(ctx, c.key("status"), string(status)); err != nil {
		return false, dcs.NewError("update_leader", err)
	}
	return true, nil
}

func (c *Client) TakeLeader(ctx context.Context) error {
	lease, err := c.ensureLease(ctx)
	if err != nil {
		return dcs.NewError("take_leader", err)
	}
	payload, _ := json.Marshal(dcs.Leader{Name: c.cfg.Name, RenewDeadline: time.Now().Add(c.cfg.TTL)})
	_, err = c.cli.Put(ctx, c.leaderKey(), string(payload), clientv3.WithLease(lease))
	return dcs.NewError("take_leader", err)
}

func (c *Client) ReleaseLeader(ctx context.Context) error {
	_, err := c.cli.Delete(ctx, c.leaderKey())
	return dcs.NewError("release_leader", err)
}

func (c *Client) SetFailoverValue(ctx context.Context, f dcs.Failover, version int) error {
	if f == (dcs.Failover{}) {
		_, err := c.cli.Delete(ctx, c.key("failover"))
		return dcs.NewError("set_failover_value", err)
	}
	payload, _ := json.Marshal(f)
	_, err := c.cli.Put(ctx, c.key("failover"), string(payload))
	return dcs.NewError("set_failover_value", err)
}

func (c *Client) SetSyncState(ctx context.Context, s dcs.SyncState, version int) (*dcs.SyncState, error) {
	payload, _ := json.Marshal(s)
	key := c.key("sync")

	var cmp clientv3.Cmp
	if version == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", int64(version))
	}

	resp, err := c.cli.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(payload))).Commit()
	if err != nil {
		return nil, dcs.NewError("set_sync_state", err)
	}
	if !resp.Succeeded {
		return nil, nil
	}
	out := s
	out.Version = int(resp.Header.Revision)
	return &out, nil
}

func (c *Client) SetHistoryValue(ctx context.Context, h dcs.HistoryEntry) error {
	key := c.key("history")
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return dcs.NewError("set_history_value", err)
	}
	var history []dcs.HistoryEntry
	if len(resp.Kvs) > 0 {
		_ = json.Unmarshal(resp.Kvs[0].Value, &history)
	}
	history = append(history, h)
	payload, _ := json.Marshal(history)
	_, err = c.cli.Put(ctx, key, string(payload))
	return dcs.NewError("set_history_value", err)
}

func (c *Client) ManualFailover(ctx context.Context, leader, candidate string, scheduledAt time.Time) error {
	return c.SetFailoverValue(ctx, dcs.Failover{Leader: leader, Candidate: candidate, ScheduledAt: scheduledAt}, 0)
}

func (c *Client) Watch(ctx context.Context, leaderVersion int, timeout time.Duration) (bool, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wch := c.cli.Watch(wctx, c.cfg.Scope+"/", clientv3.WithPrefix())
	select {
	case resp, ok := <-wch:
		if !ok || resp.Err() != nil {
			return false, nil
		}
		return len(resp.Events) > 0, nil
	case <-wctx.Done():
		return false, nil
	}
}

func (c *Client) TouchMember(ctx context.Context, data dcs.Member) error {
	lease, err := c.cli.Grant(ctx, int64(c.cfg.TTL.Seconds()))
	if err != nil {
		return dcs.NewError("touch_member", err)
	}
	payload, _ := json.Marshal(data)
	_, err = c.cli.Put(ctx, c.memberKey(data.Name), string(payload), clientv3.WithLease(lease.ID))
	return dcs.NewError("touch_member", err)
}

// Close releases the underlying etcd connection.
func (c *Client) Close() error {
	return c.cli.Close()
}
