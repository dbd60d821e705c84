// Package consul implements dcs.Client against HashiCorp Consul's KV store
// and session API, grounded on the hashicorp/consul/api dependency carried
// by other_examples/manifests/hashicorp-consul-k8s and hashicorp-nomad.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/signal18/pgsentry/dcs"
)

// Config configures the Consul backend.
type Config struct {
	Address string
	Token   string
	Scope   string // KV prefix, e.g. "service/mycluster"
	Name    string
	TTL     time.Duration
}

// Client is the Consul-backed dcs.Client.
type Client struct {
	cfg     Config
	api     *consulapi.Client
	sessionID string
}

// New dials Consul and returns a ready Client.
func New(cfg Config) (*Client, error) {
	c, err := consulapi.NewClient(&consulapi.Config{Address: cfg.Address, Token: cfg.Token})
	if err != nil {
		return nil, dcs.NewError("dial", err)
	}
	return &Client{cfg: cfg, api: c}, nil
}

func (c *Client) Name() string { return "consul" }

func (c *Client) key(parts ...string) string {
	return strings.Join(append([]string{strings.Trim(c.cfg.Scope, "/")}, parts...), "/")
}

func (c *Client) leaderKey() string { return c.key("leader") }

func (c *Client) GetCluster(ctx context.Context) (*dcs.Snapshot, error) {
	kv := c.api.KV()
	pairs, _, err := kv.List(c.key()+"/", &consulapi.QueryOptions{})
	if err != nil {
		return nil, dcs.NewError("get_cluster", err)
	}

	snap := &dcs.Snapshot{}
	members := []dcs.Member{}
	prefix := c.key() + "/"

	for _, p := range pairs {
		rel := strings.TrimPrefix(p.Key, prefix)
		switch {
		case rel == "initialize":
			snap.Initialize = string(p.Value)
		case rel == "config":
			_ = json.Unmarshal(p.Value, &snap.Config)
		case rel == "leader":
			var l dcs.Leader
			if json.Unmarshal(p.Value, &l) == nil {
				snap.Leader = &l
			}
		case rel == "failover":
			var f dcs.Failover
			if json.Unmarshal(p.Value, &f) == nil {
				snap.Failover = &f
			}
		case rel == "sync":
			_ = json.Unmarshal(p.Value, &snap.Sync)
			snap.Sync.Version = int(p.ModifyIndex)
		case rel == "status":
			_ = json.Unmarshal(p.Value, &snap.Status)
		case rel == "history":
			_ = json.Unmarshal(p.Value, &snap.History)
		case strings.HasPrefix(rel, "members/"):
			var m dcs.Member
			if json.Unmarshal(p.Value, &m) == nil {
				members = append(members, m)
			}
		}
	}

	*snap = snap.WithMembers(members)
	return snap, nil
}

func (c *Client) ensureSession(ctx context.Context) (string, error) {
	if c.sessionID != "" {
		return c.sessionID, nil
	}
	id, _, err := c.api.Session().Create(&consulapi.SessionEntry{
		Name:      c.cfg.Name,
		TTL:       c.cfg.TTL.String(),
		Behavior:  consulapi.SessionBehaviorDelete,
	}, nil)
	if err != nil {
		return "", err
	}
	c.sessionID = id
	return id, nil
}

func (c *Client) AttemptToAcquireLeader(ctx context.Context) (bool, error) {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return false, dcs.NewError("attempt_to_acquire_leader", err)
	}
	payload, _ := json.Marshal(dcs.Leader{Name: c.cfg.Name, Session: session, RenewDeadline: time.Now().Add(c.cfg.TTL)})

	pair := &consulapi.KVPair{Key: c.leaderKey(), Value: payload, Session: session}
	ok, _, err := c.api.KV().Acquire(pair, nil)
	if err != nil {
		return false, dcs.NewError("attempt_to_acquire_leader", err)
	}
	if ok {
		return true, nil
	}

	existing, _, err := c.api.KV().Get(c.leaderKey(), nil)
	if err != nil {
		return false, dcs.NewError("attempt_to_acquire_leader", err)
	}
	if existing != nil && existing.Session == session {
		return true, nil
	}
	return false, nil
}

func (c *Client) UpdateLeader(ctx context.Context, lsn uint64, slots map[string]uint64, failsafe map[string]string) (bool, error) {
	if c.sessionID == "" {
		return false, nil
	}
	// No background RenewPeriodic loop is run; a single non-blocking renew
	// per tick extends the session's TTL deadline.
	if _, _, err := c.api.Session().Renew(c.sessionID, nil); err != nil {
		return false, dcs.NewError("update_leader", err)
	}

	existing, _, err := c.api.KV().Get(c.leaderKey(), nil)
	if err != nil {
		return false, dcs.NewError("update_leader", err)
	}
	if existing == nil || existing.Session != c.sessionID {
		return false, nil
	}

	status, _ := json.Marshal(dcs.Status{LastLSN: lsn, Slots: slots})
	_, err = c.api.KV().Put(&consulapi.KVPair{Key: c.key("status"), Value: status}, nil)
	if err != nil {
		return false, dcs.NewError("update_leader", err)
	}
	return true, nil
}

func (c *Client) TakeLeader(ctx context.Context) error {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return dcs.NewError("take_leader", err)
	}
	payload, _ := json.Marshal(dcs.Leader{Name: c.cfg.Name, Session: session, RenewDeadline: time.Now().Add(c.cfg.TTL)})
	_, err = c.api.KV().Put(&consulapi.KVPair{Key: c.leaderKey(), Value: payload, Session: session}, nil)
	return dcs.NewError("take_leader", err)
}

func (c *Client) ReleaseLeader(ctx context.Context) error {
	_, err := c.api.KV().Delete(c.leaderKey(), nil)
	return dcs.NewError("release_leader", err)
}

func (c *Client) SetFailoverValue(ctx context.Context, f dcs.Failover, version int) error {
	if f == (dcs.Failover{}) {
		_, err := c.api.KV().Delete(c.key("failover"), nil)
		return dcs.NewError("set_failover_value", err)
	}
	payload, _ := json.Marshal(f)
	_, err := c.api.KV().Put(&consulapi.KVPair{Key: c.key("failover"), Value: payload}, nil)
	return dcs.NewError("set_failover_value", err)
}

func (c *Client) SetSyncState(ctx context.Context, s dcs.SyncState, version int) (*dcs.SyncState, error) {
	payload, _ := json.Marshal(s)
	pair := &consulapi.KVPair{Key: c.key("sync"), Value: payload, ModifyIndex: uint64(version)}
	ok, _, err := c.api.KV().CAS(pair, nil)
	if err != nil {
		return nil, dcs.NewError("set_sync_state", err)
	}
	if !ok {
		return nil, nil
	}
	written, _, err := c.api.KV().Get(c.key("sync"), nil)
	if err != nil || written == nil {
		return nil, dcs.NewError("set_sync_state", err)
	}
	out := s
	out.Version = int(written.ModifyIndex)
	return &out, nil
}

func (c *Client) SetHistoryValue(ctx context.Context, h dcs.HistoryEntry) error {
	key := c.key("history")
	existing, _, err := c.api.KV().Get(key, nil)
	if err != nil {
		return dcs.NewError("set_history_value", err)
	}
	var history []dcs.HistoryEntry
	if existing != nil {
		_ = json.Unmarshal(existing.Value, &history)
	}
	history = append(history, h)
	payload, _ := json.Marshal(history)
	_, err = c.api.KV().Put(&consulapi.KVPair{Key: key, Value: payload}, nil)
	return dcs.NewError("set_history_value", err)
}

func (c *Client) ManualFailover(ctx context.Context, leader, candidate string, scheduledAt time.Time) error {
	return c.SetFailoverValue(ctx, dcs.Failover{Leader: leader, Candidate: candidate, ScheduledAt: scheduledAt}, 0)
}

func (c *Client) Watch(ctx context.Context, leaderVersion int, timeout time.Duration) (bool, error) {
	opts := (&consulapi.QueryOptions{
		WaitIndex: uint64(leaderVersion),
		WaitTime:  timeout,
	}).WithContext(ctx)

	_, meta, err := c.api.KV().List(c.key()+"/", opts)
	if err != nil {
		return false, dcs.NewError("watch", err)
	}
	return meta.LastIndex != uint64(leaderVersion), nil
}

func (c *Client) TouchMember(ctx context.Context, data dcs.Member) error {
	payload, _ := json.Marshal(data)
	key := fmt.Sprintf("%s/members/%s", c.key(), data.Name)
	_, err := c.api.KV().Put(&consulapi.KVPair{Key: key, Value: payload}, nil)
	return dcs.NewError("touch_member", err)
}
