package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/clock"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/registry"
)

// Context is what a Handler receives in place of a bare context.Context:
// the cancellation signal plus a bound Send so a handler can emit
// further messages back into the bus without importing the runner's
// internals (spec §4.5: "may emit further messages back into C4").
type Context struct {
	context.Context
	AgentID       string
	CorrelationID string
	send          func(ctx context.Context, msg bus.Message, enqueueTimeout time.Duration) (bus.SendReceipt, error)
}

// Send enqueues msg, stamping CorrelationID from the inbound message if
// the handler didn't set one, so a reply chain stays traceable.
func (c Context) Send(msg bus.Message, enqueueTimeout time.Duration) (bus.SendReceipt, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = c.CorrelationID
	}
	return c.send(c.Context, msg, enqueueTimeout)
}

// Config tunes one runner's timing (spec §4.5/§4.6: handler_timeout,
// drain_deadline are per-agent config, here plumbed as a struct instead
// of the teacher's free-form map).
type Config struct {
	HandlerTimeout time.Duration
	DrainDeadline  time.Duration
	AuditBucket    string
	// OnOutcome, if set, is called after every handled message with the
	// outcome status the handler (or the timeout/missing-handler path)
	// reported. The supervisor wires this to its error-rate window (spec
	// §4.6 health predicate (c)) and to its Fatal handling (spec §7:
	// "the supervisor marks the agent Failing; a Critical alert is
	// emitted") without the runner importing the supervisor package.
	OnOutcome func(outcome controlapi.HandlerOutcome)
}

// DefaultConfig returns conservative single-agent defaults.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: 10 * time.Second,
		DrainDeadline:  5 * time.Second,
		AuditBucket:    "global",
	}
}

// Runner drives one agent's event loop (spec C5). Handlers for a
// non-reentrant agent (the default) never overlap; the runner serializes
// them with a plain mutex rather than relying on single-goroutine
// dispatch, so the same Runner type also covers a reentrant agent that
// opted into concurrent handling (spec §9 Open Question).
type Runner struct {
	id       string
	reg      *registry.Registry
	bus      *bus.Bus
	audit    *audit.Log
	clock    clock.Clock
	handlers Table
	cfg      Config
	log      *slog.Logger

	serialize sync.Mutex // held around a handler call when the agent is not reentrant

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Runner for agent id. The registry must already hold a
// descriptor for id and the bus must already have an open inbox for it
// (the supervisor does both before starting a runner, spec §4.6).
func New(id string, reg *registry.Registry, b *bus.Bus, auditLog *audit.Log, clk clock.Clock, handlers Table, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		id:       id,
		reg:      reg,
		bus:      b,
		audit:    auditLog,
		clock:    clk,
		handlers: handlers,
		cfg:      cfg,
		log:      logger.With("component", "runner", "agent_id", id),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the dequeue-handle-ack loop until ctx is cancelled or Stop
// is called. It blocks; callers run it in its own goroutine, same as
// JobRunner.Start.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.doneCh)

	stream, cerr := r.bus.Subscribe(r.id)
	if cerr != nil {
		r.log.Error("runner cannot start: no inbox open", "error", cerr)
		return
	}

	r.log.Info("runner started")

	dequeueCtx, cancelDequeue := context.WithCancel(ctx)
	defer cancelDequeue()
	go func() {
		select {
		case <-r.stopCh:
			cancelDequeue()
		case <-ctx.Done():
		}
	}()

	for {
		msg, ok := stream.Next(dequeueCtx)
		if !ok {
			select {
			case <-r.stopCh:
				r.drain(stream)
			default:
			}
			r.log.Info("runner stopped")
			return
		}
		r.handle(ctx, msg)
	}
}

// Stop requests a cooperative shutdown: the runner finishes or aborts
// its current handler and drains the inbox per drain_deadline (spec
// §4.5 cancellation, §4.6 "graceful stop drains"). Stop blocks until the
// runner loop has exited; it does not dead-letter what is left in the
// inbox (the supervisor's StopAgent does that when it closes the inbox).
func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// drain handles every message still sitting in the inbox at shutdown,
// within drain_deadline, then returns; anything left over stays in the
// inbox (spec example 6: "Graceful stop drains").
func (r *Runner) drain(stream *bus.Stream) {
	deadline := r.clock.Now().Add(r.cfg.DrainDeadline)
	for {
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			break
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), remaining)
		msg, ok := stream.Next(drainCtx)
		cancel()
		if !ok {
			break
		}
		r.handle(context.Background(), msg)
	}
}

// handle runs one message through the agent's handler table, enforces
// handler_timeout, maps the result to an ack, updates the heartbeat, and
// writes an ActionRecord where spec §4.5 requires one.
func (r *Runner) handle(ctx context.Context, msg bus.Message) {
	start := r.clock.Now()
	handlerCtx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	d, cerr := r.reg.Get(r.id)
	if cerr != nil {
		r.log.Error("handle: descriptor vanished mid-flight", "error", cerr)
		return
	}

	if !d.Reentrant() {
		r.serialize.Lock()
		defer r.serialize.Unlock()
	}

	outcome, timedOut := r.invoke(handlerCtx, msg)
	duration := r.clock.Now().Sub(start)

	ack, failed := ackFor(outcome.Status)
	r.bus.Ack(msg.MessageID, ack)

	// Every successful or timed-out handler updates last_heartbeat_at —
	// the runner process is alive either way, it's only a plain domain
	// failure that tells us nothing about liveness (spec §4.5 point 4).
	if outcome.Status == controlapi.OutcomeSuccess || timedOut {
		if hbErr := r.reg.Heartbeat(ctx, r.id, 0); hbErr != nil {
			r.log.Warn("heartbeat failed", "error", hbErr)
		}
	}
	if failed {
		if _, fErr := r.reg.RecordFailure(ctx, r.id); fErr != nil {
			r.log.Warn("record failure failed", "error", fErr)
		}
	}
	if r.cfg.OnOutcome != nil {
		r.cfg.OnOutcome(outcome.Status)
	}

	r.log.Debug("handled message", "message_id", msg.MessageID, "kind", msg.Kind,
		"duration", duration, "status", outcome.Status)

	r.recordAudit(ctx, msg, outcome)
}

// invoke looks up the handler for msg.Kind and calls it, turning a
// timeout into a synthetic transient Outcome. The bool return reports
// whether the runner itself detected a timeout, as distinct from a
// handler that reports Transient for some other reason.
func (r *Runner) invoke(ctx context.Context, msg bus.Message) (Outcome, bool) {
	h, ok := r.handlers[msg.Kind]
	if !ok {
		return Outcome{
			Status:   controlapi.OutcomePermanent,
			Category: controlapi.CategoryExternalRead,
			Detail:   fmt.Sprintf("no handler registered for message kind %s", msg.Kind),
		}, false
	}

	done := make(chan Outcome, 1)
	go func() {
		hctx := Context{
			Context:       ctx,
			AgentID:       r.id,
			CorrelationID: msg.CorrelationID,
			send:          r.send,
		}
		done <- h(hctx, msg)
	}()

	select {
	case outcome := <-done:
		return outcome, false
	case <-ctx.Done():
		return Outcome{
			Status:   controlapi.OutcomeTransient,
			Category: controlapi.CategoryToolCall,
			Detail:   "handler timeout",
		}, true
	}
}

// send adapts the runner's bus to the signature Context.Send expects.
func (r *Runner) send(ctx context.Context, msg bus.Message, enqueueTimeout time.Duration) (bus.SendReceipt, error) {
	if msg.From == "" {
		msg.From = r.id
	}
	receipt, cerr := r.bus.Send(ctx, msg, enqueueTimeout)
	if cerr != nil {
		return bus.SendReceipt{}, cerr
	}
	return receipt, nil
}

// ackFor maps a handler's outcome status to a bus.AckOutcome (spec §7)
// and reports whether the descriptor's failure counter should be
// bumped. Policy and Fatal outcomes dead-letter immediately alongside
// Permanent: none of the three is worth retrying, they differ only in
// audit status and in Fatal's additional effect on the agent's state.
func ackFor(status controlapi.HandlerOutcome) (bus.AckOutcome, bool) {
	switch status {
	case controlapi.OutcomeSuccess:
		return bus.Handled, false
	case controlapi.OutcomeTransient:
		return bus.Rejected(bus.RejectTransient), true
	default:
		return bus.Rejected(bus.RejectPermanent), true
	}
}

// recordAudit writes an ActionRecord when msg.Kind is Control or the
// handler's declared category is one that always requires one (spec
// §4.5 point 5), with the audit outcome status spec §7 prescribes for
// each handler outcome.
func (r *Runner) recordAudit(ctx context.Context, msg bus.Message, outcome Outcome) {
	if r.audit == nil {
		return
	}
	if !outcome.auditable(msg.Kind) {
		return
	}

	status := "Completed"
	switch outcome.Status {
	case controlapi.OutcomePolicy:
		status = "DeniedByPolicy"
	case controlapi.OutcomeTransient, controlapi.OutcomePermanent, controlapi.OutcomeFatal:
		status = "Failed"
	}

	rec := audit.Record{
		AgentID:       r.id,
		Kind:          audit.Kind(outcome.Category),
		CorrelationID: msg.CorrelationID,
		Detail:        fmt.Sprintf("message_id=%s kind=%s status=%s detail=%s", msg.MessageID, msg.Kind, outcome.Status, outcome.Detail),
		Outcome:       status,
	}
	if _, aerr := r.audit.Append(ctx, r.cfg.AuditBucket, rec); aerr != nil {
		r.log.Error("audit append failed", "error", aerr)
	}
}
