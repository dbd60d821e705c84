// Package memory is a deterministic, in-process dcs.Client. It is test
// scaffolding, not a production backend: no example in the grounding corpus
// exercises a Zookeeper or embedded-Raft client, so a real fourth backend
// was not invented. Its own tests exercise the lease and CAS semantics the
// control loop relies on (P1, the S6 split-brain guard); no test in package
// cluster drives the control loop against it.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/signal18/pgsentry/dcs"
)

// Store is the shared backing state multiple Client handles (one per
// simulated agent) read and CAS against, mirroring a real cluster where
// every node's DCS client talks to the same keyspace.
type Store struct {
	mu sync.Mutex

	initialize string
	config     dcs.DynamicConfig
	leader     *dcs.Leader
	members    map[string]dcs.Member
	failover   *dcs.Failover
	sync       dcs.SyncState
	status     dcs.Status
	history    []dcs.HistoryEntry

	changeCh chan struct{}
}

// NewStore creates an empty shared keyspace.
func NewStore(cfg dcs.DynamicConfig) *Store {
	return &Store{
		config:   cfg,
		members:  map[string]dcs.Member{},
		changeCh: make(chan struct{}, 1),
	}
}

func (s *Store) notify() {
	select {
	case s.changeCh <- struct{}{}:
	default:
	}
}

// Client is one agent's view of a Store: it CAS-operates against the
// store's leader key using a fixed lease TTL and carries its own notion
// of "who am I" for leader-acquisition.
type Client struct {
	store *Store
	name  string
	ttl   time.Duration
}

// New returns a Client bound to store, acting as member name.
func New(store *Store, name string, ttl time.Duration) *Client {
	return &Client{store: store, name: name, ttl: ttl}
}

func (c *Client) Name() string { return "memory" }

func (c *Client) GetCluster(ctx context.Context) (*dcs.Snapshot, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	s := c.store.store()
	return &s, nil
}

// store builds a Snapshot copy; caller must hold the mutex.
func (s *Store) store() dcs.Snapshot {
	members := make([]dcs.Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	snap := dcs.Snapshot{
		Initialize: s.initialize,
		Config:     s.config,
		Failover:   s.failover,
		Sync:       s.sync,
		Status:     s.status,
	}
	snap.History = append([]dcs.HistoryEntry(nil), s.history...)
	if s.leader != nil {
		l := *s.leader
		snap.Leader = &l
	}
	return snap.WithMembers(members)
}

func (c *Client) AttemptToAcquireLeader(ctx context.Context) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	now := time.Now()
	if c.store.leader != nil {
		if c.store.leader.Name == c.name {
			c.store.leader.RenewDeadline = now.Add(c.ttl)
			return true, nil
		}
		if c.store.leader.RenewDeadline.After(now) {
			return false, nil
		}
		// lease expired: fall through, whoever calls first wins.
	}
	c.store.leader = &dcs.Leader{Name: c.name, Session: c.name, RenewDeadline: now.Add(c.ttl)}
	c.store.notify()
	return true, nil
}

func (c *Client) UpdateLeader(ctx context.Context, lsn uint64, slots map[string]uint64, failsafe map[string]string) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.store.leader == nil || c.store.leader.Name != c.name {
		return false, nil
	}
	c.store.leader.RenewDeadline = time.Now().Add(c.ttl)
	c.store.status = dcs.Status{LastLSN: lsn, Slots: slots}
	return true, nil
}

func (c *Client) TakeLeader(ctx context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.leader = &dcs.Leader{Name: c.name, Session: c.name, RenewDeadline: time.Now().Add(c.ttl)}
	c.store.notify()
	return nil
}

func (c *Client) ReleaseLeader(ctx context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.leader != nil && c.store.leader.Name == c.name {
		c.store.leader = nil
		c.store.notify()
	}
	return nil
}

func (c *Client) SetFailoverValue(ctx context.Context, f dcs.Failover, version int) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if f == (dcs.Failover{}) {
		c.store.failover = nil
	} else {
		v := f
		c.store.failover = &v
	}
	c.store.notify()
	return nil
}

func (c *Client) SetSyncState(ctx context.Context, want dcs.SyncState, version int) (*dcs.SyncState, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.store.sync.Version != version {
		return nil, nil // CAS failure, caller treats as "lost the race"
	}
	want.Version = c.store.sync.Version + 1
	c.store.sync = want
	c.store.notify()
	out := want
	return &out, nil
}

func (c *Client) SetHistoryValue(ctx context.Context, h dcs.HistoryEntry) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.history = append(c.store.history, h)
	return nil
}

func (c *Client) ManualFailover(ctx context.Context, leader, candidate string, scheduledAt time.Time) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.failover = &dcs.Failover{Leader: leader, Candidate: candidate, ScheduledAt: scheduledAt}
	c.store.notify()
	return nil
}

func (c *Client) Watch(ctx context.Context, leaderVersion int, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.store.changeCh:
		return true, nil
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Client) TouchMember(ctx context.Context, data dcs.Member) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.members[data.Name] = data
	return nil
}
