package cluster

import (
	"strings"
	"testing"

	"github.com/signal18/pgsentry/dcs"
	"github.com/signal18/pgsentry/tags"
)

// TestSyncPickPriority mirrors spec.md §8 scenario S3: primary with replicas
// {X(sync_state=sync,flush=1), Y(sync_state=async,flush=100),
// Z(sync_state=async,flush=99)}, synchronous_node_count=1, mode=on.
// Expected: S={X}, q=1, despite X being behind on LSN.
func TestSyncPickPriority(t *testing.T) {
	members := []dcs.Member{
		{Name: "x", SyncState: dcs.SyncStateSync, XLogLocation: 1},
		{Name: "y", SyncState: dcs.SyncStateAsync, XLogLocation: 100},
		{Name: "z", SyncState: dcs.SyncStateAsync, XLogLocation: 99},
	}
	decision := pickSyncStandbys("on", 1, "primary", members, 14.0)
	if len(decision.Names) != 1 || decision.Names[0] != "x" {
		t.Fatalf("got %v, want [x]", decision.Names)
	}
	if decision.GUCValue != "x" {
		t.Fatalf("got GUC %q, want bare name x for a single priority standby", decision.GUCValue)
	}
}

// TestSyncPickQuorum mirrors spec.md §8 scenario S4: mode=quorum,
// synchronous_node_count=2, three replicas alive. Expected:
// synchronous_standby_names = 'ANY 2 (a,b,c)' with names sorted.
func TestSyncPickQuorum(t *testing.T) {
	members := []dcs.Member{
		{Name: "c", SyncState: dcs.SyncStateQuorum, XLogLocation: 10},
		{Name: "a", SyncState: dcs.SyncStateQuorum, XLogLocation: 20},
		{Name: "b", SyncState: dcs.SyncStateQuorum, XLogLocation: 5},
	}
	decision := pickSyncStandbys("quorum", 2, "primary", members, 14.0)
	if decision.GUCValue != "ANY 2 (a,b,c)" {
		t.Fatalf("got %q, want ANY 2 (a,b,c)", decision.GUCValue)
	}
}

// TestSyncNeverIncludesSelf is invariant S1/P2: the primary must never
// appear in its own synchronous_standby_names, even if it were (incorrectly)
// present in the member set under its own name.
func TestSyncNeverIncludesSelf(t *testing.T) {
	members := []dcs.Member{
		{Name: "primary", SyncState: dcs.SyncStateSync, XLogLocation: 100},
		{Name: "replica", SyncState: dcs.SyncStateAsync, XLogLocation: 90},
	}
	decision := pickSyncStandbys("on", 2, "primary", members, 14.0)
	for _, n := range decision.Names {
		if n == "primary" {
			t.Fatal("primary must never appear in its own synchronous standby set")
		}
	}
}

func TestSyncOffModeSelectsNothing(t *testing.T) {
	members := []dcs.Member{{Name: "a", XLogLocation: 1}}
	decision := pickSyncStandbys("off", 1, "primary", members, 14.0)
	if len(decision.Names) != 0 || decision.GUCValue != "" {
		t.Fatalf("expected empty decision for off mode, got %+v", decision)
	}
}

// TestSyncDegradesOnOldServer covers spec.md §4.4's version-downgrade rule:
// a server older than 9.6 asked for more than one sync standby writes '*'
// and is flagged degraded.
func TestSyncDegradesOnOldServer(t *testing.T) {
	members := []dcs.Member{
		{Name: "a", SyncState: dcs.SyncStateSync, XLogLocation: 10},
		{Name: "b", SyncState: dcs.SyncStateSync, XLogLocation: 10},
	}
	decision := pickSyncStandbys("on", 2, "primary", members, 9.5)
	if !decision.Degraded || decision.GUCValue != "*" {
		t.Fatalf("expected degraded '*' on 9.5, got %+v", decision)
	}
}

func TestSyncExcludesNosyncAndCascading(t *testing.T) {
	no := true
	members := []dcs.Member{
		{Name: "a", SyncState: dcs.SyncStateAsync, XLogLocation: 10},
		{Name: "b", SyncState: dcs.SyncStateAsync, XLogLocation: 10, Tags: tags.Tags{NoSync: &no}},
		{Name: "cascade", SyncState: dcs.SyncStateAsync, XLogLocation: 10, Tags: tags.Tags{ReplicateFrom: "a"}},
	}
	decision := pickSyncStandbys("on", 3, "primary", members, 14.0)
	if contains(decision.Names, "b") {
		t.Fatal("nosync member should have been excluded")
	}
	if contains(decision.Names, "cascade") {
		t.Fatal("cascading replica with a direct-streaming equivalent should have been excluded")
	}
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// TestApplySyncOrderingShrinkVsGrow covers spec.md §4.4's atomicity rule /
// property P3: shrinking writes DCS first, growing writes the DB first.
func TestApplySyncOrderingShrinkVsGrow(t *testing.T) {
	var order []string
	writeDCS := func() error { order = append(order, "dcs"); return nil }
	writeDB := func() error { order = append(order, "db"); return nil }

	order = nil
	if err := applySyncOrdering([]string{"a", "b"}, []string{"a"}, writeDCS, writeDB); err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, ",") != "dcs,db" {
		t.Fatalf("shrink: got order %v, want dcs before db", order)
	}

	order = nil
	if err := applySyncOrdering([]string{"a"}, []string{"a", "b"}, writeDCS, writeDB); err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, ",") != "db,dcs" {
		t.Fatalf("grow: got order %v, want db before dcs", order)
	}
}
