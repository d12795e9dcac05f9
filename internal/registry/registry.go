package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clawinfra/evoclaw/internal/clock"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/kv"
)

// IndexSync is implemented by the capability index. Registry calls it
// inside the same critical section as every state/capability mutation
// so the index can never observe a descriptor the registry itself
// hasn't committed yet (spec §4.2: "enforced inside the same critical
// section as state updates"). Declared here, not in internal/capability,
// so registry stays the importer-of-none and capability depends on
// registry rather than the reverse.
type IndexSync interface {
	Sync(d Descriptor)
	Remove(id string)
}

type noopIndex struct{}

func (noopIndex) Sync(Descriptor) {}
func (noopIndex) Remove(string)   {}

// Registry is the authoritative id -> Descriptor map (spec C2). One
// Registry is constructed per runtime and shared by every component that
// needs to resolve or enumerate agents. Grounded on the teacher's
// internal/agents.Registry: an RWMutex over a map, JSON snapshots
// persisted through a storage interface, and "log, don't fail" error
// handling for persistence.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Descriptor
	clock clock.Clock
	store kv.KV
	index IndexSync
	log   *slog.Logger
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithIndex wires a capability index to receive Sync/Remove calls under
// the registry's lock. Without this option the registry runs with a
// no-op index, which is sufficient for descriptor-only tests.
func WithIndex(idx IndexSync) Option {
	return func(r *Registry) { r.index = idx }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New constructs a Registry. store may be kv.NewMem() for ephemeral runs
// or a kv.SQLite for durability across restarts; clk is almost always
// clock.System{} in production and a clock.Fake in tests.
func New(store kv.KV, clk clock.Clock, opts ...Option) *Registry {
	r := &Registry{
		byID:  make(map[string]Descriptor),
		clock: clk,
		store: store,
		index: noopIndex{},
		log:   slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a new descriptor in StateRegistered. It fails with
// ErrDuplicateName if id is already present.
func (r *Registry) Register(ctx context.Context, d Descriptor) (Descriptor, *controlapi.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[d.ID]; exists {
		return Descriptor{}, controlapi.NewError(controlapi.ErrDuplicateName,
			"agent %s already registered", d.ID)
	}

	d.State = StateRegistered
	d.LastHeartbeatAt = r.clock.Now()
	d = d.clone()
	r.byID[d.ID] = d
	r.index.Sync(d)
	r.persist(ctx, d)

	return d.clone(), nil
}

// Deregister removes a descriptor. Requires the descriptor to be in a
// terminal state (spec §4.2).
func (r *Registry) Deregister(ctx context.Context, id string) *controlapi.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return controlapi.NewError(controlapi.ErrNoSuchAgent, "no such agent: %s", id)
	}
	if !d.State.Terminal() {
		return controlapi.NewError(controlapi.ErrIllegalState,
			"agent %s must be Stopped or Dead to deregister, is %s", id, d.State)
	}

	delete(r.byID, id)
	r.index.Remove(id)
	if err := r.store.Delete(ctx, kv.AgentKey(id)); err != nil {
		r.log.Warn("deregister: persistence delete failed", "agent_id", id, "error", err)
	}
	return nil
}

// Get returns an immutable snapshot of the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, *controlapi.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, controlapi.NewError(controlapi.ErrNoSuchAgent, "no such agent: %s", id)
	}
	return d.clone(), nil
}

// List returns a snapshot of every descriptor, sorted by id is not
// guaranteed; callers that need deterministic order should sort.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d.clone())
	}
	return out
}

// UpdateState transitions id to next, validating against the FSM. On
// success it also clears ConsecutiveFailures when entering Running, and
// persists and re-syncs the capability index within the same lock.
func (r *Registry) UpdateState(ctx context.Context, id string, next State) (Descriptor, *controlapi.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, controlapi.NewError(controlapi.ErrNoSuchAgent, "no such agent: %s", id)
	}
	if cerr := ValidateTransition(d.State, next); cerr != nil {
		return Descriptor{}, cerr
	}

	d.State = next
	if next == StateRunning {
		d.ConsecutiveFailures = 0
	}
	r.byID[id] = d
	r.index.Sync(d)
	r.persist(ctx, d)

	return d.clone(), nil
}

// Heartbeat records liveness for id and optionally the agent's current
// inbox depth, used by the supervisor's staleness check (spec §4.6).
func (r *Registry) Heartbeat(ctx context.Context, id string, queueDepth int) *controlapi.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return controlapi.NewError(controlapi.ErrNoSuchAgent, "no such agent: %s", id)
	}
	d.LastHeartbeatAt = r.clock.Now()
	d.QueueDepth = queueDepth
	r.byID[id] = d
	r.index.Sync(d)
	r.persist(ctx, d)
	return nil
}

// SetQueueDepth updates only the descriptor's QueueDepth and re-syncs
// the capability index, without touching LastHeartbeatAt — the bus
// calls this on every enqueue/dequeue so capability.PolicyLeastLoaded
// sees live depth, independent of the agent's own liveness heartbeat.
func (r *Registry) SetQueueDepth(id string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return
	}
	d.QueueDepth = depth
	r.byID[id] = d
	r.index.Sync(d)
}

// RecordFailure increments the consecutive-failure counter, returning
// the new count so callers (the runner, the supervisor) can decide
// whether a restart threshold has been crossed.
func (r *Registry) RecordFailure(ctx context.Context, id string) (int, *controlapi.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return 0, controlapi.NewError(controlapi.ErrNoSuchAgent, "no such agent: %s", id)
	}
	d.ConsecutiveFailures++
	r.byID[id] = d
	r.persist(ctx, d)
	return d.ConsecutiveFailures, nil
}

// Restore reloads descriptors from the backing store at startup,
// re-syncing the capability index for every dispatchable agent. Agents
// found mid-flight (Starting/Running/Idle/Degraded) are demoted to
// Failing, since no runner is alive yet to own them — spec C6's
// "an agent's process died without transitioning state" recovery path,
// applied uniformly at boot.
func (r *Registry) Restore(ctx context.Context) error {
	keys, err := r.store.List(ctx, kv.PrefixAgents)
	if err != nil {
		return fmt.Errorf("registry: restore list: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("registry: restore get %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var d Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			r.log.Warn("restore: dropping corrupt descriptor", "key", key, "error", err)
			continue
		}
		if d.State != StateStopped && d.State != StateDead && d.State != StateRegistered {
			d.State = StateFailing
		}
		r.byID[d.ID] = d
		r.index.Sync(d)
	}
	return nil
}

// persist writes d's JSON snapshot to the backing store, logging (but
// never propagating) a failure — the teacher's registry does the same
// so a disk hiccup degrades durability, not availability.
func (r *Registry) persist(ctx context.Context, d Descriptor) {
	raw, err := json.Marshal(d)
	if err != nil {
		r.log.Error("persist: marshal failed", "agent_id", d.ID, "error", err)
		return
	}
	if err := r.store.Put(ctx, kv.AgentKey(d.ID), raw); err != nil {
		r.log.Warn("persist: store put failed", "agent_id", d.ID, "error", err)
	}
}
