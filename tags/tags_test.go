package tags

import "testing"

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func TestNoFailoverEffective_ExplicitFalseWinsOverPriorityZero(t *testing.T) {
	// An explicit nofailover always wins over failover_priority, even
	// failover_priority=0 (spec.md §9 open question, resolved in DESIGN.md
	// against original_source's test_patroni.py test_nofailover).
	tg := Tags{NoFailover: boolPtr(false), FailoverPriority: intPtr(0)}
	if tg.NoFailoverEffective() {
		t.Fatal("expected explicit nofailover=false to win over failover_priority=0")
	}
}

func TestNoFailoverEffective_PriorityZeroWithoutExplicitNoFailover(t *testing.T) {
	// Only when nofailover is unset does failover_priority=0 imply
	// ineligibility.
	tg := Tags{FailoverPriority: intPtr(0)}
	if !tg.NoFailoverEffective() {
		t.Fatal("expected failover_priority=0 to disable failover when nofailover is unset")
	}
}

func TestNoFailoverEffective_PlainNoFailover(t *testing.T) {
	tg := Tags{NoFailover: boolPtr(true)}
	if !tg.NoFailoverEffective() {
		t.Fatal("expected nofailover=true to disable failover")
	}
}

func TestNoFailoverEffective_Default(t *testing.T) {
	var tg Tags
	if tg.NoFailoverEffective() {
		t.Fatal("zero-value tags should default to failover-eligible")
	}
}

func TestFailoverPriorityEffective_Default(t *testing.T) {
	var tg Tags
	if got := tg.FailoverPriorityEffective(); got != defaultFailoverPriority {
		t.Fatalf("got %d, want default %d", got, defaultFailoverPriority)
	}
}

// TestFailoverPriorityEffective_ExplicitNoFailoverForcesZero covers the
// other half of the interaction: nofailover=true forces effective priority
// to 0 even if a non-zero failover_priority was also set.
func TestFailoverPriorityEffective_ExplicitNoFailoverForcesZero(t *testing.T) {
	tg := Tags{NoFailover: boolPtr(true), FailoverPriority: intPtr(5)}
	if got := tg.FailoverPriorityEffective(); got != 0 {
		t.Fatalf("got %d, want 0 when nofailover=true overrides failover_priority", got)
	}
}

func TestExcludedFromSync(t *testing.T) {
	cases := []struct {
		name string
		tags Tags
		want bool
	}{
		{"no tags", Tags{}, false},
		{"nosync true", Tags{NoSync: boolPtr(true)}, true},
		{"sync_priority zero", Tags{SyncPriority: intPtr(0)}, true},
		{"sync_priority positive", Tags{SyncPriority: intPtr(5)}, false},
	}
	for _, c := range cases {
		if got := c.tags.ExcludedFromSync(); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestFilter_DropsFalseyDefaults(t *testing.T) {
	out := Filter(Tags{})
	if len(out) != 0 {
		t.Fatalf("expected empty map for zero-value tags, got %v", out)
	}
}

func TestFilter_KeepsExplicitPriorityCompanion(t *testing.T) {
	// A companion priority being explicitly set keeps the pair even if the
	// boolean itself is the falsey default (spec.md §3 tag-filtering rule).
	out := Filter(Tags{FailoverPriority: intPtr(3)})
	if _, ok := out["failover_priority"]; !ok {
		t.Fatalf("expected failover_priority to survive filtering, got %v", out)
	}
}

func TestFilter_KeepsClonefromAndReplicatefrom(t *testing.T) {
	out := Filter(Tags{CloneFrom: "node-a", ReplicateFrom: "node-b"})
	if out["clonefrom"] != "node-a" || out["replicatefrom"] != "node-b" {
		t.Fatalf("expected clonefrom/replicatefrom to pass through, got %v", out)
	}
}
