package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/signal18/pgsentry/dcs"
)

// syncDecision is the outcome of one C4 pass: who goes in the synchronous
// set, what quorum number accompanies it, and the exact
// synchronous_standby_names string to render into the database config
// (spec.md §4.4).
type syncDecision struct {
	Names []string
	Quorum int
	GUCValue string
	Degraded bool // server version could not express the requested shape
}

// pickSyncStandbys implements the three synchronous_mode variants. self is
// excluded unconditionally (invariant S1: the primary never lists itself).
func pickSyncStandbys(mode string, nodeCount int, self string, members []dcs.Member, serverVersion float64) syncDecision {
	var pool []dcs.Member
	for _, m := range members {
		if m.Name == self {
			continue
		}
		if m.Tags.ExcludedFromSync() {
			continue
		}
		if isCascadingWithDirectEquivalent(m, members) {
			continue
		}
		pool = append(pool, m)
	}

	switch mode {
	case "off":
		return syncDecision{GUCValue: ""}
	case "quorum":
		return pickQuorum(pool, nodeCount, serverVersion)
	default: // "on" (priority)
		return pickPriority(pool, nodeCount, serverVersion)
	}
}

// pickPriority orders candidates by (sync_state rank, then lag ascending,
// then name) and takes the first nodeCount (spec.md §4.4 "on (priority)").
func pickPriority(pool []dcs.Member, nodeCount int, serverVersion float64) syncDecision {
	best := bestLSN(pool)
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.SyncState != b.SyncState {
			return a.SyncState.Less(b.SyncState)
		}
		la, lb := a.Lag(best), b.Lag(best)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
	if nodeCount > len(pool) {
		nodeCount = len(pool)
	}
	chosen := pool[:nodeCount]
	names := memberNames(chosen)
	decision := renderStandbyNames(names, 0, serverVersion)
	// Every chosen priority standby must confirm, so the recorded quorum is
	// the size of the set (rendering above still uses priority syntax).
	decision.Quorum = len(names)
	return decision
}

// pickQuorum selects every candidate whose sync_state is at least `quorum`
// rank and renders an ANY q (...) clause (spec.md §4.4 "quorum").
func pickQuorum(pool []dcs.Member, nodeCount int, serverVersion float64) syncDecision {
	var chosen []dcs.Member
	for _, m := range pool {
		switch m.SyncState {
		case dcs.SyncStateQuorum, dcs.SyncStateSync, dcs.SyncStatePotential:
			chosen = append(chosen, m)
		}
	}
	names := memberNames(chosen)
	sort.Strings(names)
	return renderStandbyNames(names, nodeCount, serverVersion)
}

func memberNames(members []dcs.Member) []string {
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	return names
}

// renderStandbyNames formats the names/quorum pair into the
// synchronous_standby_names GUC syntax appropriate to serverVersion
// (spec.md §4.4 "Version differences").
//
// quorum == 0 means priority mode (plain "N (list)" / single name / "*");
// quorum > 0 means an ANY-quorum request.
func renderStandbyNames(names []string, quorum int, serverVersion float64) syncDecision {
	if len(names) == 0 {
		return syncDecision{Names: names, Quorum: quorum}
	}
	if quorum == 0 && len(names) == 1 {
		return syncDecision{Names: names, Quorum: quorum, GUCValue: names[0]}
	}

	switch {
	case serverVersion < 9.6:
		if len(names) > 1 || quorum > 0 {
			return syncDecision{Names: names, Quorum: quorum, GUCValue: "*", Degraded: true}
		}
		return syncDecision{Names: names, Quorum: quorum, GUCValue: names[0]}

	case serverVersion < 10:
		if quorum > 0 {
			// Pre-10 servers cannot express ANY q (...); fall back to
			// listing every candidate as an all-must-confirm priority set.
			return syncDecision{Names: names, Quorum: quorum, GUCValue: fmt.Sprintf("%d (%s)", len(names), strings.Join(names, ",")), Degraded: true}
		}
		return syncDecision{Names: names, Quorum: quorum, GUCValue: fmt.Sprintf("%d (%s)", len(names), strings.Join(names, ","))}

	default:
		if quorum > 0 {
			if quorum > len(names) {
				quorum = len(names)
			}
			return syncDecision{Names: names, Quorum: quorum, GUCValue: fmt.Sprintf("ANY %d (%s)", quorum, strings.Join(names, ","))}
		}
		return syncDecision{Names: names, Quorum: quorum, GUCValue: fmt.Sprintf("%d (%s)", len(names), strings.Join(names, ","))}
	}
}

// isCascadingWithDirectEquivalent excludes a replica streaming from another
// standby (replicatefrom) when a replica streaming directly from the primary
// is already available, per spec.md §4.4.
func isCascadingWithDirectEquivalent(m dcs.Member, members []dcs.Member) bool {
	if m.Tags.ReplicateFrom == "" {
		return false
	}
	upstream, ok := findMember(members, m.Tags.ReplicateFrom)
	if !ok {
		return false
	}
	return upstream.Tags.ReplicateFrom == ""
}

func findMember(members []dcs.Member, name string) (dcs.Member, bool) {
	for _, m := range members {
		if m.Name == name {
			return m, true
		}
	}
	return dcs.Member{}, false
}

// applySyncOrdering implements spec.md §4.4's atomicity rule and P3:
// DCS /sync is written before synchronous_standby_names is relaxed
// (shrinking the set) and after it is tightened (growing the set), so no
// committed transaction ever depends on a standby an external observer
// could not yet see as synchronous.
//
// writeDCS and writeDB are the two side effects to sequence; shrinking is
// len(newNames) < len(oldNames).
func applySyncOrdering(oldNames, newNames []string, writeDCS, writeDB func() error) error {
	shrinking := len(newNames) < len(oldNames)
	if shrinking {
		if err := writeDCS(); err != nil {
			return err
		}
		return writeDB()
	}
	if err := writeDB(); err != nil {
		return err
	}
	return writeDCS()
}
