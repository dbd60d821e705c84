package memory

import (
	"context"
	"testing"
	"time"

	"github.com/signal18/pgsentry/dcs"
)

// TestAtMostOneLeaderUnderConcurrentAcquire covers spec.md §8 property P1:
// two agents racing AttemptToAcquireLeader against a fresh store must never
// both believe they hold the lease.
func TestAtMostOneLeaderUnderConcurrentAcquire(t *testing.T) {
	store := NewStore(dcs.DynamicConfig{})
	a := New(store, "a", time.Minute)
	b := New(store, "b", time.Minute)

	okA, err := a.AttemptToAcquireLeader(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	okB, err := b.AttemptToAcquireLeader(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if okA == okB {
		t.Fatalf("expected exactly one of a/b to win the lease, got a=%v b=%v", okA, okB)
	}

	snap, err := a.GetCluster(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Leader == nil || snap.Leader.Name != "a" {
		t.Fatalf("expected a to hold the leader key, got %+v", snap.Leader)
	}
}

func TestAcquireRefusedWhileLeaseLive(t *testing.T) {
	store := NewStore(dcs.DynamicConfig{})
	a := New(store, "a", time.Minute)
	b := New(store, "b", time.Minute)

	if ok, _ := a.AttemptToAcquireLeader(context.Background()); !ok {
		t.Fatal("expected a to acquire an empty lease")
	}
	if ok, _ := b.AttemptToAcquireLeader(context.Background()); ok {
		t.Fatal("expected b to be refused while a's lease is still live")
	}
	// The incumbent renews, rather than losing, the lease on repeated calls.
	if ok, _ := a.AttemptToAcquireLeader(context.Background()); !ok {
		t.Fatal("expected the incumbent to renew its own lease")
	}
}

func TestAcquireSucceedsAfterLeaseExpiry(t *testing.T) {
	store := NewStore(dcs.DynamicConfig{})
	a := New(store, "a", time.Millisecond)
	b := New(store, "b", time.Minute)

	if ok, _ := a.AttemptToAcquireLeader(context.Background()); !ok {
		t.Fatal("expected a to acquire the lease")
	}
	time.Sleep(5 * time.Millisecond)
	if ok, _ := b.AttemptToAcquireLeader(context.Background()); !ok {
		t.Fatal("expected b to acquire after a's lease expired")
	}
}

// TestUpdateLeaderRefusesNonIncumbent covers the CAS guard behind spec.md §8
// scenario S6 (split-brain): an agent that no longer holds the leader key
// must have UpdateLeader refused so it demotes instead of renewing.
func TestUpdateLeaderRefusesNonIncumbent(t *testing.T) {
	store := NewStore(dcs.DynamicConfig{})
	a := New(store, "a", time.Minute)
	b := New(store, "b", time.Minute)

	a.AttemptToAcquireLeader(context.Background())
	// Simulate a itself believing it is still leader after a stale read,
	// while b has since taken over (e.g. after lease expiry + failover).
	b.TakeLeader(context.Background())

	ok, err := a.UpdateLeader(context.Background(), 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected UpdateLeader to refuse an agent that no longer holds the key")
	}
}

func TestReleaseLeaderOnlyAffectsIncumbent(t *testing.T) {
	store := NewStore(dcs.DynamicConfig{})
	a := New(store, "a", time.Minute)
	b := New(store, "b", time.Minute)

	a.AttemptToAcquireLeader(context.Background())
	// b releasing must not clear a's lease: it never held it.
	b.ReleaseLeader(context.Background())

	snap, _ := a.GetCluster(context.Background())
	if snap.Leader == nil || snap.Leader.Name != "a" {
		t.Fatalf("expected a to still hold the lease, got %+v", snap.Leader)
	}

	a.ReleaseLeader(context.Background())
	snap, _ = a.GetCluster(context.Background())
	if snap.Leader != nil {
		t.Fatalf("expected no leader after the incumbent released, got %+v", snap.Leader)
	}
}

func TestSetSyncStateCASFailureReturnsNil(t *testing.T) {
	store := NewStore(dcs.DynamicConfig{})
	c := New(store, "primary", time.Minute)

	first, err := c.SetSyncState(context.Background(), dcs.SyncState{StandbyNames: []string{"a"}, Quorum: 1}, 0)
	if err != nil || first == nil {
		t.Fatalf("expected first CAS write to succeed, got %+v, %v", first, err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1 after first write, got %d", first.Version)
	}

	// Writing against a stale version must fail the CAS and return nil,
	// not silently overwrite a newer concurrent write.
	stale, err := c.SetSyncState(context.Background(), dcs.SyncState{StandbyNames: []string{"b"}, Quorum: 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stale != nil {
		t.Fatalf("expected nil from a CAS write racing with version 0 against current version 1, got %+v", stale)
	}

	ok, err := c.SetSyncState(context.Background(), dcs.SyncState{StandbyNames: []string{"b"}, Quorum: 1}, 1)
	if err != nil || ok == nil {
		t.Fatalf("expected CAS write against the correct version to succeed, got %+v, %v", ok, err)
	}
	if ok.Version != 2 {
		t.Fatalf("expected version to advance to 2, got %d", ok.Version)
	}
}

func TestTouchMemberAndGetCluster(t *testing.T) {
	store := NewStore(dcs.DynamicConfig{})
	c := New(store, "a", time.Minute)

	if err := c.TouchMember(context.Background(), dcs.Member{Name: "a", Role: dcs.RolePrimary, XLogLocation: 42}); err != nil {
		t.Fatal(err)
	}
	snap, err := c.GetCluster(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	m, ok := snap.MemberByName("a")
	if !ok || m.XLogLocation != 42 {
		t.Fatalf("expected member a with xlog 42, got %+v (found=%v)", m, ok)
	}
}

func TestWatchWakesOnChangeAndTimesOutOtherwise(t *testing.T) {
	store := NewStore(dcs.DynamicConfig{})
	c := New(store, "a", time.Minute)

	changed := make(chan bool, 1)
	go func() {
		ok, _ := c.Watch(context.Background(), 0, time.Second)
		changed <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	c.TakeLeader(context.Background())

	select {
	case ok := <-changed:
		if !ok {
			t.Fatal("expected Watch to report a change")
		}
	case <-time.After(time.Second):
		t.Fatal("Watch never woke on the leader change")
	}

	ok, err := c.Watch(context.Background(), 0, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected Watch to time out with no further changes")
	}
}
