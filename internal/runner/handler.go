// Package runner implements the Agent Runner (spec C5): one worker loop
// per agent that dequeues from its bus.Stream, invokes the agent's
// handler table under a time budget, maps the outcome to an ack, and
// emits ActionRecords for the categories the spec requires. Grounded on
// the teacher's internal/scheduler.JobRunner: the same stopCh/doneCh
// shutdown handshake and the same "record duration, update run/error
// counters" bookkeeping after every invocation, generalized from "run a
// cron job" to "run one agent's dequeue-handle-ack cycle."
package runner

import (
	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/controlapi"
)

// Outcome is what a Handler reports back to the runner: the spec's
// four-category error taxonomy (plus Success) and, for anything the
// spec's audit rule §4.5 step 5 requires a record of, which action
// category it performed.
type Outcome struct {
	Status   controlapi.HandlerOutcome
	Category controlapi.ActionCategory
	Detail   string
}

// auditable reports whether msg's kind or outcome's category always
// earns an ActionRecord (spec §4.5 point 5: "whose kind = Control or
// whose handler declares category ∈ {ExternalWrite, StateChange,
// Destructive}" — Control is folded into ActionCategory.RequiresAudit
// too, so this just checks both).
func (o Outcome) auditable(kind bus.Kind) bool {
	return kind == bus.KindControl || o.Category.RequiresAudit()
}

// Handler processes one message for one agent, reporting its outcome
// via the closed taxonomy instead of a Go error (spec §9 Design Notes:
// "a tagged variant ... do not model it as an OO class/exception tree").
type Handler func(ctx Context, msg bus.Message) Outcome

// Table is an agent's handler set, keyed by message kind (spec §9
// Redesign Flags: "a per-agent handler table keyed by Message.kind,
// registered at agent construction; the runner dispatches by tag").
type Table map[bus.Kind]Handler
