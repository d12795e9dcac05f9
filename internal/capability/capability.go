// Package capability implements the capability index (spec C3): the
// reverse mapping from a capability name to the set of agents currently
// eligible to receive work for it, plus the policies that pick one
// candidate out of that set. Grounded on the teacher's internal/router
// package — a small config-driven selection strategy wrapped in a
// mutex-guarded stats struct (router.Router / router.CostSavings) — here
// generalized from "score a prompt, pick a model tier" to "score a set
// of candidate agents, pick one".
package capability

import (
	"sort"
	"sync"

	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/registry"
)

// Policy selects one agent out of a capability's candidate set (spec
// §4.3: Any, LeastLoaded, RoundRobin, Preferred).
type Policy string

const (
	PolicyAny          Policy = "any"
	PolicyLeastLoaded  Policy = "least_loaded"
	PolicyRoundRobin   Policy = "round_robin"
	PolicyPreferred    Policy = "preferred"
)

// Index maintains, for each capability name, the set of agent ids
// currently eligible to serve it. An entry for (capability, id) exists
// iff the agent declares that capability and its state is Dispatchable
// (spec §3) — Registry.Sync/Remove keep this true inside the registry's
// own critical section, so Index itself only needs to guard its own map.
type Index struct {
	mu       sync.RWMutex
	byCap    map[string]map[string]registry.Descriptor
	rrCursor map[string]int // round-robin cursor per capability
}

// New constructs an empty Index.
func New() *Index {
	return &Index{
		byCap:    make(map[string]map[string]registry.Descriptor),
		rrCursor: make(map[string]int),
	}
}

// Sync implements registry.IndexSync. It removes the descriptor from
// every capability bucket and re-adds it to the buckets for which it is
// currently dispatchable, so a descriptor that lost a capability or
// transitioned to a non-dispatchable state drops out immediately.
func (idx *Index) Sync(d registry.Descriptor) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, agents := range idx.byCap {
		delete(agents, d.ID)
	}

	if !d.State.Dispatchable() {
		return
	}
	for _, cap := range d.Capabilities {
		bucket, ok := idx.byCap[cap]
		if !ok {
			bucket = make(map[string]registry.Descriptor)
			idx.byCap[cap] = bucket
		}
		bucket[d.ID] = d
	}
}

// Remove implements registry.IndexSync, dropping id from every bucket.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, agents := range idx.byCap {
		delete(agents, id)
	}
}

// Candidates returns every dispatchable agent declaring capability c,
// sorted lexicographically by id for deterministic iteration.
func (idx *Index) Candidates(c string) []registry.Descriptor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bucket := idx.byCap[c]
	out := make([]registry.Descriptor, 0, len(bucket))
	for _, d := range bucket {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve picks one agent for capability c under policy. preferred is
// only consulted for PolicyPreferred; pass "" otherwise. Ties are broken
// by lexicographic id order, making Resolve deterministic for a given
// index snapshot (spec §4.3: "resolution must be deterministic given a
// fixed index snapshot").
func (idx *Index) Resolve(c string, policy Policy, preferred string) (registry.Descriptor, *controlapi.Error) {
	candidates := idx.Candidates(c)
	if len(candidates) == 0 {
		return registry.Descriptor{}, controlapi.NewError(controlapi.ErrNoSuchRecipient,
			"no dispatchable agent declares capability %q", c)
	}

	switch policy {
	case PolicyAny, "":
		return candidates[0], nil

	case PolicyPreferred:
		for _, d := range candidates {
			if d.ID == preferred && (d.State == registry.StateRunning || d.State == registry.StateIdle) {
				return d, nil
			}
		}
		fallthrough

	case PolicyLeastLoaded:
		best := candidates[0]
		for _, d := range candidates[1:] {
			if d.QueueDepth < best.QueueDepth {
				best = d
			}
		}
		return best, nil

	case PolicyRoundRobin:
		idx.mu.Lock()
		defer idx.mu.Unlock()
		cursor := idx.rrCursor[c] % len(candidates)
		idx.rrCursor[c] = cursor + 1
		return candidates[cursor], nil

	default:
		return registry.Descriptor{}, controlapi.NewError(controlapi.ErrInternal,
			"unknown capability resolution policy %q", policy)
	}
}
