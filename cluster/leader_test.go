package cluster

import (
	"testing"

	"github.com/signal18/pgsentry/dcs"
	"github.com/signal18/pgsentry/tags"
)

// TestFailoverLagGuard mirrors spec.md §8 scenario S2: leader dies, replica A
// at flush=1000 is within the lag guard of the best known LSN and should be
// eligible; replica B at flush=500 with maximum_lag_on_failover=100 must be
// refused.
func TestFailoverLagGuard(t *testing.T) {
	members := []dcs.Member{
		{Name: "a", XLogLocation: 1000},
		{Name: "b", XLogLocation: 500},
	}
	const maxLag = 100

	a, _ := findMember(members, "a")
	b, _ := findMember(members, "b")

	if !eligible(a, bestLSN(members), maxLag) {
		t.Fatal("expected a to be eligible (at the best known LSN)")
	}
	if eligible(b, bestLSN(members), maxLag) {
		t.Fatal("expected b to be refused: lag 500 exceeds maximum_lag_on_failover 100")
	}
}

// TestEqualLSNTiesBrokenByPriorityThenName mirrors spec.md §8 scenario S1
// (unlocked cluster, two equal replicas) plus §4.6's closing tiebreak rule.
func TestEqualLSNTiesBrokenByPriorityThenName(t *testing.T) {
	members := []dcs.Member{
		{Name: "a", XLogLocation: 100},
		{Name: "b", XLogLocation: 100},
	}
	a, _ := findMember(members, "a")
	b, _ := findMember(members, "b")

	// Equal LSN, equal (default) priority: lexicographically smaller name
	// wins the tiebreak, so only "a" sees itself as ahead of every peer.
	if !higherPriorityThanAllEqualLSNPeers(a, members) {
		t.Fatal("expected a (lexicographically first) to win the tie")
	}
	if higherPriorityThanAllEqualLSNPeers(b, members) {
		t.Fatal("expected b to lose the tie to a")
	}
}

func TestHigherPriorityBreaksEqualLSNTie(t *testing.T) {
	one, three := 1, 3
	members := []dcs.Member{
		{Name: "z", XLogLocation: 100, Tags: tags.Tags{FailoverPriority: &one}},
		{Name: "a", XLogLocation: 100, Tags: tags.Tags{FailoverPriority: &three}},
	}
	z, _ := findMember(members, "z")
	aHigh, _ := findMember(members, "a")

	if higherPriorityThanAllEqualLSNPeers(z, members) {
		t.Fatal("expected lower-priority z to lose despite winning the name tiebreak")
	}
	if !higherPriorityThanAllEqualLSNPeers(aHigh, members) {
		t.Fatal("expected higher-priority a to win regardless of name order")
	}
}

func TestNoFailoverExcludesCandidate(t *testing.T) {
	yes := true
	members := []dcs.Member{
		{Name: "a", XLogLocation: 100, Tags: tags.Tags{NoFailover: &yes}},
	}
	a, _ := findMember(members, "a")
	if eligible(a, 100, 1000) {
		t.Fatal("expected nofailover=true member to be ineligible regardless of lag")
	}
}

func TestBestFailoverCandidate_PicksHighestLSNThenPriority(t *testing.T) {
	members := []dcs.Member{
		{Name: "b", XLogLocation: 500},
		{Name: "a", XLogLocation: 1000},
		{Name: "c", XLogLocation: 1000},
	}
	best, ok := bestFailoverCandidate(members, 100)
	if !ok {
		t.Fatal("expected a candidate")
	}
	// a and c tie on LSN and priority; "a" wins lexicographically.
	if best.Name != "a" {
		t.Fatalf("got %s, want a", best.Name)
	}
}

func TestManualFailoverAllowed_ForceBypassesLagGuard(t *testing.T) {
	members := []dcs.Member{{Name: "a", XLogLocation: 1000}, {Name: "b", XLogLocation: 0}}
	b, _ := findMember(members, "b")

	if manualFailoverAllowed(b, members, 10, false) {
		t.Fatal("expected lagging candidate to be refused without --force")
	}
	if !manualFailoverAllowed(b, members, 10, true) {
		t.Fatal("expected --force to bypass the lag guard")
	}
}
