package cluster

import (
	"sort"

	"github.com/signal18/pgsentry/dcs"
)

// candidate is one replica considered for leader acquisition or as a
// follow() target, carrying just what the ordering in spec.md §4.6's last
// paragraph needs.
type candidate struct {
	member   dcs.Member
	flushLSN uint64
}

// eligible reports whether m may attempt to acquire the leader key: its lag
// behind the best known LSN must not exceed maximumLagOnFailover, and it must
// not be tagged nofailover (spec.md §4.6 decision-table row "replica,
// eligible").
func eligible(m dcs.Member, bestLSN, maximumLagOnFailover uint64) bool {
	if m.Tags.NoFailoverEffective() {
		return false
	}
	return m.Lag(bestLSN) <= maximumLagOnFailover
}

// bestLSN returns the highest flush_lsn among members, used as the
// "max peer LSN" reference point for the lag guard.
func bestLSN(members []dcs.Member) uint64 {
	var best uint64
	for _, m := range members {
		if m.XLogLocation > best {
			best = m.XLogLocation
		}
	}
	return best
}

// higherPriorityThanAllEqualLSNPeers implements spec.md §4.6's ordering:
// "higher failover_priority than every reachable peer with equal LSN". Peers
// strictly ahead in LSN always outrank us regardless of priority.
func higherPriorityThanAllEqualLSNPeers(self dcs.Member, peers []dcs.Member) bool {
	for _, p := range peers {
		if p.Name == self.Name {
			continue
		}
		if p.XLogLocation > self.XLogLocation {
			return false
		}
		if p.XLogLocation == self.XLogLocation {
			if p.Tags.NoFailoverEffective() {
				continue
			}
			if p.Tags.FailoverPriorityEffective() > self.Tags.FailoverPriorityEffective() {
				return false
			}
			if p.Tags.FailoverPriorityEffective() == self.Tags.FailoverPriorityEffective() && p.Name < self.Name {
				return false
			}
		}
	}
	return true
}

// bestFailoverCandidate picks the target of a `follow(best candidate)` call
// for a replica that is itself ineligible to acquire leadership: the highest
// LSN, then highest failover_priority, then lexicographically smallest name
// (spec.md §4.6 "Failover eligibility ordering").
func bestFailoverCandidate(members []dcs.Member, maximumLagOnFailover uint64) (dcs.Member, bool) {
	best := bestLSN(members)
	var pool []dcs.Member
	for _, m := range members {
		if eligible(m, best, maximumLagOnFailover) {
			pool = append(pool, m)
		}
	}
	if len(pool) == 0 {
		return dcs.Member{}, false
	}
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.XLogLocation != b.XLogLocation {
			return a.XLogLocation > b.XLogLocation
		}
		pa, pb := a.Tags.FailoverPriorityEffective(), b.Tags.FailoverPriorityEffective()
		if pa != pb {
			return pa > pb
		}
		return a.Name < b.Name
	})
	return pool[0], true
}

// manualFailoverAllowed enforces the lag guard on a manual or scheduled
// failover request unless force is set.
func manualFailoverAllowed(candidate dcs.Member, members []dcs.Member, maximumLagOnFailover uint64, force bool) bool {
	if force {
		return true
	}
	return eligible(candidate, bestLSN(members), maximumLagOnFailover)
}
