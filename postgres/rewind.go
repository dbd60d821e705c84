package postgres

import "context"

// RewindDecision is the outcome of deciding how a diverged timeline should
// be reconciled with the new leader.
type RewindDecision int

const (
	// RewindNotNeeded: our timeline already descends from the leader's.
	RewindNotNeeded RewindDecision = iota
	// RewindPossible: pg_rewind can reconcile the divergence.
	RewindPossible
	// ReinitializeRequired: divergence predates any common checkpoint
	// pg_rewind can use (e.g. WAL needed was already recycled); the data
	// directory must be recreated from a basebackup/leader clone.
	ReinitializeRequired
)

// RewindOrReinitializeNeededAndPossible implements spec.md §4.2's decision:
// whether to pg_rewind or fully recreate the data directory, based on
// timeline divergence and configuration. allowReinitialize gates whether a
// full recreate is even permitted by policy (some deployments forbid it on
// nodes holding irreplaceable data). When a recreate would be required but
// allowReinitialize is false, it returns RewindNotNeeded, so neither a
// rewind nor a recreate is indicated.
func (m *Manager) RewindOrReinitializeNeededAndPossible(ctx context.Context, localTimeline, leaderTimeline uint32, leaderHistory []TimelineHistoryEntry, allowReinitialize bool) RewindDecision {
	if localTimeline >= leaderTimeline {
		return RewindNotNeeded
	}

	// If our timeline never forked off the leader's lineage, rewind
	// cannot help: pg_rewind needs a common ancestor checkpoint still
	// present in our WAL.
	if !timelineIsAncestor(localTimeline, leaderHistory) {
		if allowReinitialize {
			return ReinitializeRequired
		}
		return RewindNotNeeded
	}

	return RewindPossible
}

// TimelineHistoryEntry is one row parsed from the leader's timeline history
// file (<tli>.history), recording where timeline tli branched off.
type TimelineHistoryEntry struct {
	Timeline  uint32
	ForkedAt  uint64
}

func timelineIsAncestor(local uint32, history []TimelineHistoryEntry) bool {
	for _, h := range history {
		if h.Timeline == local {
			return true
		}
	}
	return false
}

// Rewind runs pg_rewind against the given leader connection string.
func (m *Manager) Rewind(ctx context.Context, leaderConnInfo string) error {
	return runPgRewind(ctx, m.bin("pg_rewind"), m.DataDir, leaderConnInfo)
}
