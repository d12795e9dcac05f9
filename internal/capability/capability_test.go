package capability

import (
	"testing"

	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/registry"
)

func dispatchable(id string, caps ...string) registry.Descriptor {
	return registry.Descriptor{ID: id, Capabilities: caps, State: registry.StateRunning}
}

func TestSyncAddsDispatchableAgentToBucket(t *testing.T) {
	idx := New()
	idx.Sync(dispatchable("a1", "summarize"))

	cands := idx.Candidates("summarize")
	if len(cands) != 1 || cands[0].ID != "a1" {
		t.Fatalf("expected [a1], got %v", cands)
	}
}

func TestSyncDropsNonDispatchableAgent(t *testing.T) {
	idx := New()
	idx.Sync(dispatchable("a1", "summarize"))

	stopped := dispatchable("a1", "summarize")
	stopped.State = registry.StateStopping
	idx.Sync(stopped)

	if len(idx.Candidates("summarize")) != 0 {
		t.Fatal("expected non-dispatchable agent to drop out of the index")
	}
}

func TestRemoveDropsFromAllBuckets(t *testing.T) {
	idx := New()
	idx.Sync(dispatchable("a1", "summarize", "translate"))
	idx.Remove("a1")

	if len(idx.Candidates("summarize")) != 0 || len(idx.Candidates("translate")) != 0 {
		t.Fatal("expected agent removed from every bucket")
	}
}

func TestResolveNoCandidatesReturnsNoSuchRecipient(t *testing.T) {
	idx := New()
	_, cerr := idx.Resolve("summarize", PolicyAny, "")
	if cerr == nil || cerr.Kind != controlapi.ErrNoSuchRecipient {
		t.Fatalf("expected ErrNoSuchRecipient, got %v", cerr)
	}
}

func TestResolveAnyIsDeterministicByID(t *testing.T) {
	idx := New()
	idx.Sync(dispatchable("b", "x"))
	idx.Sync(dispatchable("a", "x"))

	d, cerr := idx.Resolve("x", PolicyAny, "")
	if cerr != nil {
		t.Fatal(cerr)
	}
	if d.ID != "a" {
		t.Fatalf("expected lexicographically first id 'a', got %s", d.ID)
	}
}

func TestResolveLeastLoadedPicksSmallestQueue(t *testing.T) {
	idx := New()
	busy := dispatchable("busy", "x")
	busy.QueueDepth = 5
	idle := dispatchable("idle", "x")
	idle.QueueDepth = 0
	idx.Sync(busy)
	idx.Sync(idle)

	d, cerr := idx.Resolve("x", PolicyLeastLoaded, "")
	if cerr != nil {
		t.Fatal(cerr)
	}
	if d.ID != "idle" {
		t.Fatalf("expected idle agent, got %s", d.ID)
	}
}

func TestResolveRoundRobinCyclesCandidates(t *testing.T) {
	idx := New()
	idx.Sync(dispatchable("a", "x"))
	idx.Sync(dispatchable("b", "x"))

	first, _ := idx.Resolve("x", PolicyRoundRobin, "")
	second, _ := idx.Resolve("x", PolicyRoundRobin, "")
	third, _ := idx.Resolve("x", PolicyRoundRobin, "")

	if first.ID == second.ID {
		t.Fatalf("expected round robin to alternate, got %s then %s", first.ID, second.ID)
	}
	if first.ID != third.ID {
		t.Fatalf("expected round robin to cycle back after 2 candidates, got %s then %s", first.ID, third.ID)
	}
}

func TestResolvePreferredFallsBackToLeastLoadedWhenAbsent(t *testing.T) {
	idx := New()
	a := dispatchable("a", "x")
	a.QueueDepth = 5
	b := dispatchable("b", "x")
	b.QueueDepth = 1
	idx.Sync(a)
	idx.Sync(b)

	d, cerr := idx.Resolve("x", PolicyPreferred, "b")
	if cerr != nil {
		t.Fatal(cerr)
	}
	if d.ID != "b" {
		t.Fatalf("expected preferred agent b, got %s", d.ID)
	}

	d, cerr = idx.Resolve("x", PolicyPreferred, "missing")
	if cerr != nil {
		t.Fatal(cerr)
	}
	if d.ID != "b" {
		t.Fatalf("expected fallback to least-loaded candidate 'b' (depth 1 < 5), got %s", d.ID)
	}
}

func TestResolvePreferredSkipsDegradedPreferredID(t *testing.T) {
	idx := New()
	a := dispatchable("a", "x")
	a.QueueDepth = 0
	degraded := registry.Descriptor{ID: "b", Capabilities: []string{"x"}, State: registry.StateDegraded, QueueDepth: 9}
	idx.Sync(a)
	idx.Sync(degraded)

	d, cerr := idx.Resolve("x", PolicyPreferred, "b")
	if cerr != nil {
		t.Fatal(cerr)
	}
	if d.ID != "a" {
		t.Fatalf("expected fallback past degraded preferred candidate 'b' to 'a', got %s", d.ID)
	}
}

func TestCandidatesSortedByID(t *testing.T) {
	idx := New()
	idx.Sync(dispatchable("z", "x"))
	idx.Sync(dispatchable("a", "x"))
	idx.Sync(dispatchable("m", "x"))

	cands := idx.Candidates("x")
	if len(cands) != 3 || cands[0].ID != "a" || cands[1].ID != "m" || cands[2].ID != "z" {
		t.Fatalf("expected sorted [a m z], got %v", cands)
	}
}
