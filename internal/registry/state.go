// Package registry implements the authoritative mapping of agent id to
// descriptor (spec C2), the agent lifecycle FSM (spec §4.6), and the
// capability-index consistency invariant. Grounded on the teacher's
// internal/agents.Registry: an RWMutex-guarded map, JSON snapshot
// persistence, and a "never fail the caller if persistence fails, just
// log" policy — generalized from evoclaw's free-form status strings to
// the closed FSM the spec requires.
package registry

import "github.com/clawinfra/evoclaw/internal/controlapi"

// State is one of the nine lifecycle states an AgentDescriptor can be in
// (spec §3/§4.6).
type State string

const (
	StateRegistered State = "Registered"
	StateStarting   State = "Starting"
	StateRunning    State = "Running"
	StateIdle       State = "Idle"
	StateDegraded   State = "Degraded"
	StateFailing    State = "Failing"
	StateStopping   State = "Stopping"
	StateStopped    State = "Stopped"
	StateDead       State = "Dead"
)

// Dispatchable reports whether an agent in this state may receive new
// messages and appear in the capability index (spec §3: "an entry in the
// Capability Index exists for (id, c) iff ... state ∈ {Running, Idle,
// Degraded}").
func (s State) Dispatchable() bool {
	switch s {
	case StateRunning, StateIdle, StateDegraded:
		return true
	default:
		return false
	}
}

// Terminal reports whether a descriptor in this state may be deregistered
// (spec §4.2: "Requires state ∈ {Stopped, Dead}").
func (s State) Terminal() bool {
	return s == StateStopped || s == StateDead
}

// transitions is the adjacency list of the FSM in spec §4.6. Each key is
// a source state; the value is the set of states directly reachable from
// it. "any-running" transitions (stop, from any of Running/Idle/Degraded)
// are expanded explicitly below rather than special-cased in code, so
// CanTransition stays a single table lookup.
var transitions = map[State]map[State]bool{
	StateRegistered: {StateStarting: true},
	StateStarting:   {StateRunning: true, StateFailing: true},
	StateRunning:    {StateIdle: true, StateDegraded: true, StateStopping: true},
	StateIdle:       {StateRunning: true, StateDegraded: true, StateStopping: true},
	StateDegraded:   {StateRunning: true, StateFailing: true, StateStopping: true},
	StateFailing:    {StateStarting: true, StateDead: true},
	StateStopping:   {StateStopped: true},
	StateStopped:    {},
	StateDead:       {},
}

// CanTransition reports whether the FSM permits moving from `from` to
// `to` directly.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ValidateTransition returns a controlapi.Error with kind
// ErrIllegalTransition if the move isn't permitted, nil otherwise.
func ValidateTransition(from, to State) *controlapi.Error {
	if CanTransition(from, to) {
		return nil
	}
	return controlapi.NewError(controlapi.ErrIllegalTransition,
		"cannot transition from %s to %s", from, to)
}
