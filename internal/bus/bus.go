package bus

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/evoclaw/internal/capability"
	"github.com/clawinfra/evoclaw/internal/clock"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/metrics"
	"github.com/clawinfra/evoclaw/internal/registry"
)

// CapabilityPrefix marks a `to` field as a capability tag rather than a
// concrete agent id (spec §3: "to: ... a capability tag").
const CapabilityPrefix = "cap:"

// BroadcastTag is the sentinel `to` value fanning a message out to
// every dispatchable agent (spec §4.6: "alert ... emitted through C4
// (broadcast kind StatusUpdate)").
const BroadcastTag = "broadcast"

// Config tunes retry behavior; defaults are conservative and match the
// spec's worked examples (§8).
type Config struct {
	DefaultCapacity    int
	MaxAttempts        int
	RetryBase          time.Duration
	RetryMaxBackoff    time.Duration
	DefaultEnqueueWait time.Duration
	MaxParallelFanout  int
}

// DefaultConfig returns sane defaults for a single-node deployment.
func DefaultConfig() Config {
	return Config{
		DefaultCapacity:    256,
		MaxAttempts:        5,
		RetryBase:          200 * time.Millisecond,
		RetryMaxBackoff:    30 * time.Second,
		DefaultEnqueueWait: 2 * time.Second,
		MaxParallelFanout:  8,
	}
}

type pendingDelivery struct {
	msg      Message
	receipt  chan AckOutcome
	timer    *time.Timer
}

// DeadLetterSink receives every message the bus gives up on.
type DeadLetterSink func(DeadLetter)

// Bus is the runtime's message router (spec C4). One Bus is constructed
// per runtime and shared by every agent runner.
type Bus struct {
	cfg      Config
	reg      *registry.Registry
	index    *capability.Index
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *slog.Logger
	onDead   DeadLetterSink

	mu      sync.RWMutex
	inboxes map[string]*Inbox

	pendingMu sync.Mutex
	pending   map[string]*pendingDelivery
}

// New constructs a Bus. onDead may be nil, in which case dead letters
// are only logged and counted.
func New(cfg Config, reg *registry.Registry, index *capability.Index, clk clock.Clock, m *metrics.Metrics, onDead DeadLetterSink, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:     cfg,
		reg:     reg,
		index:   index,
		clock:   clk,
		metrics: m,
		onDead:  onDead,
		log:     logger.With("component", "bus"),
		inboxes: make(map[string]*Inbox),
		pending: make(map[string]*pendingDelivery),
	}
}

// OpenInbox creates the bounded inbox for id, called by the runner
// before an agent starts receiving messages. capacity <= 0 uses the
// bus's DefaultCapacity.
func (b *Bus) OpenInbox(id string, capacity int) *Inbox {
	if capacity <= 0 {
		capacity = b.cfg.DefaultCapacity
	}
	ib := NewInbox(capacity)

	b.mu.Lock()
	b.inboxes[id] = ib
	b.mu.Unlock()
	return ib
}

// CloseInbox closes and removes id's inbox, dead-lettering anything left
// in it (spec §4.6: "Undrained messages are dead-lettered").
func (b *Bus) CloseInbox(id string) {
	b.mu.Lock()
	ib, ok := b.inboxes[id]
	delete(b.inboxes, id)
	b.mu.Unlock()
	if !ok {
		return
	}

	ib.Close()
	for _, m := range ib.Drain() {
		b.deadLetter(m, DeadLetterStopped)
	}
}

// Subscribe returns the message stream for id, for the runner to pull
// from (spec §4.4 subscribe).
func (b *Bus) Subscribe(id string) (*Stream, *controlapi.Error) {
	b.mu.RLock()
	ib, ok := b.inboxes[id]
	b.mu.RUnlock()
	if !ok {
		return nil, controlapi.NewError(controlapi.ErrNoSuchAgent, "no inbox open for %s", id)
	}
	return &Stream{bus: b, inbox: ib}, nil
}

// Send resolves msg.To (capability tag, broadcast, or direct id),
// enqueues it for delivery, and returns a receipt the caller can await
// for AckAtLeastOnce messages.
func (b *Bus) Send(ctx context.Context, msg Message, enqueueTimeout time.Duration) (SendReceipt, *controlapi.Error) {
	if msg.MessageID == "" {
		msg.MessageID = b.clock.NewID("msg")
	}
	msg.EnqueuedAt = b.clock.Now()
	if msg.DeadlineAt.IsZero() {
		msg.DeadlineAt = msg.EnqueuedAt.Add(b.cfg.RetryMaxBackoff * time.Duration(b.cfg.MaxAttempts))
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = b.cfg.DefaultEnqueueWait
	}

	if msg.To == BroadcastTag {
		return b.sendBroadcast(ctx, msg, enqueueTimeout)
	}

	targetID, cerr := b.resolve(msg.To, msg.RoutingPolicy, msg.PreferredID)
	if cerr != nil {
		return SendReceipt{}, cerr
	}
	msg.To = targetID

	return b.enqueueOne(ctx, msg, enqueueTimeout)
}

func (b *Bus) resolve(to string, policy capability.Policy, preferred string) (string, *controlapi.Error) {
	if strings.HasPrefix(to, CapabilityPrefix) {
		capName := strings.TrimPrefix(to, CapabilityPrefix)
		if policy == "" {
			policy = capability.PolicyLeastLoaded
		}
		d, cerr := b.index.Resolve(capName, policy, preferred)
		if cerr != nil {
			return "", cerr
		}
		return d.ID, nil
	}

	d, cerr := b.reg.Get(to)
	if cerr != nil {
		return "", controlapi.NewError(controlapi.ErrNoSuchRecipient, "no such recipient: %s", to)
	}
	if !d.State.Dispatchable() {
		return "", controlapi.NewError(controlapi.ErrNoSuchRecipient,
			"agent %s is not accepting messages (state %s)", to, d.State)
	}
	return d.ID, nil
}

func (b *Bus) enqueueOne(ctx context.Context, msg Message, enqueueTimeout time.Duration) (SendReceipt, *controlapi.Error) {
	b.mu.RLock()
	ib, ok := b.inboxes[msg.To]
	b.mu.RUnlock()
	if !ok {
		return SendReceipt{}, controlapi.NewError(controlapi.ErrNoSuchRecipient, "no inbox open for %s", msg.To)
	}

	waitCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()

	if !ib.Enqueue(waitCtx, msg) {
		return SendReceipt{}, controlapi.NewError(controlapi.ErrBackpressureTimeout,
			"inbox for %s did not accept message within %s", msg.To, enqueueTimeout)
	}

	b.reg.SetQueueDepth(msg.To, ib.Len())
	if b.metrics != nil {
		b.metrics.RecordPublish(string(msg.Kind), msg.Priority.String())
		b.metrics.SetInboxDepth(msg.To, ib.Len())
	}

	receipt := make(chan AckOutcome, 1)
	if msg.AckPolicy == AckAtLeastOnce {
		b.pendingMu.Lock()
		b.pending[msg.MessageID] = &pendingDelivery{msg: msg, receipt: receipt}
		b.pendingMu.Unlock()
	}

	return SendReceipt{MessageID: msg.MessageID, Done: receipt}, nil
}

// sendBroadcast fans msg out to every dispatchable agent using a
// bounded-concurrency errgroup, grounded on the teacher's
// orchestrator.toolloop parallel tool-call fan-out.
func (b *Bus) sendBroadcast(ctx context.Context, msg Message, enqueueTimeout time.Duration) (SendReceipt, *controlapi.Error) {
	descriptors := b.reg.List()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.MaxParallelFanout)

	for _, d := range descriptors {
		if !d.State.Dispatchable() {
			continue
		}
		d := d
		g.Go(func() error {
			fanned := msg
			fanned.MessageID = b.clock.NewID("msg")
			fanned.To = d.ID
			fanned.AckPolicy = AckFireAndForget
			if _, cerr := b.enqueueOne(gCtx, fanned, enqueueTimeout); cerr != nil {
				b.log.Warn("broadcast enqueue failed", "agent_id", d.ID, "error", cerr)
			}
			return nil
		})
	}
	_ = g.Wait()

	return SendReceipt{MessageID: msg.MessageID, Done: nil}, nil
}

// Ack records the outcome of a delivery attempt (spec §4.4). Idempotent:
// acking an unknown or already-settled message id is a no-op.
func (b *Bus) Ack(messageID string, outcome AckOutcome) {
	b.pendingMu.Lock()
	p, ok := b.pending[messageID]
	if ok {
		delete(b.pending, messageID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return
	}

	if b.metrics != nil {
		b.metrics.RecordAck(ackOutcomeLabel(outcome))
	}

	switch {
	case outcome.Handled:
		if b.metrics != nil {
			b.metrics.RecordDelivered(p.msg.To, b.clock.Now().Sub(p.msg.EnqueuedAt))
		}
		b.settle(p, outcome)

	case outcome.Rejected && outcome.Reason == RejectPermanent:
		b.deadLetter(p.msg, DeadLetterPermanent)
		b.settle(p, outcome)

	case outcome.Rejected && outcome.Reason == RejectTransient:
		p.msg.Attempts++
		b.retryOrDrop(p, outcome)

	case outcome.Deferred:
		b.requeueNow(p, outcome)

	default:
		b.settle(p, outcome)
	}
}

// ackOutcomeLabel maps an AckOutcome to the "outcome" label value for
// mas_messages_acked_total (spec §4.8).
func ackOutcomeLabel(outcome AckOutcome) string {
	switch {
	case outcome.Handled:
		return "Handled"
	case outcome.Rejected:
		return "Rejected_" + string(outcome.Reason)
	case outcome.Deferred:
		return "Deferred"
	default:
		return "Unknown"
	}
}

func (b *Bus) settle(p *pendingDelivery, outcome AckOutcome) {
	select {
	case p.receipt <- outcome:
	default:
	}
}

func (b *Bus) retryOrDrop(p *pendingDelivery, outcome AckOutcome) {
	if p.msg.Attempts > b.cfg.MaxAttempts || b.clock.Now().After(p.msg.DeadlineAt) {
		b.deadLetter(p.msg, DeadLetterAttemptsExhausted)
		b.settle(p, outcome)
		return
	}
	delay := backoff(b.cfg.RetryBase, b.cfg.RetryMaxBackoff, p.msg.Attempts)
	b.scheduleRequeue(p, delay)
}

func (b *Bus) requeueNow(p *pendingDelivery, outcome AckOutcome) {
	if b.clock.Now().After(p.msg.DeadlineAt) {
		b.deadLetter(p.msg, DeadLetterDeadline)
		b.settle(p, outcome)
		return
	}
	b.scheduleRequeue(p, 0)
}

func (b *Bus) scheduleRequeue(p *pendingDelivery, delay time.Duration) {
	fire := func() {
		b.mu.RLock()
		ib, ok := b.inboxes[p.msg.To]
		b.mu.RUnlock()
		if !ok {
			b.deadLetter(p.msg, DeadLetterStopped)
			b.settle(p, Rejected(RejectPermanent))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DefaultEnqueueWait)
		defer cancel()
		if !ib.Enqueue(ctx, p.msg) {
			b.deadLetter(p.msg, DeadLetterAttemptsExhausted)
			b.settle(p, Rejected(RejectPermanent))
			return
		}

		b.pendingMu.Lock()
		b.pending[p.msg.MessageID] = p
		b.pendingMu.Unlock()
	}

	if delay <= 0 {
		go fire()
		return
	}
	p.timer = time.AfterFunc(delay, fire)
}

// backoff computes base * 2^(attempts-1), capped at max, jittered ±25%
// (spec §4.4).
func backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(d) * jitter)
}

// deadLetter moves m to the dead-letter sink and, if an AckAtLeastOnce
// sender is still waiting on m's receipt (the stream-side deadline path
// dead-letters a message that was never acked), settles that receipt
// too so the caller's Done channel doesn't leak.
func (b *Bus) deadLetter(m Message, reason DeadLetterReason) {
	if b.metrics != nil {
		b.metrics.RecordDeadLettered(m.To, string(reason))
	}
	b.log.Warn("dead letter", "message_id", m.MessageID, "to", m.To, "reason", reason)

	b.pendingMu.Lock()
	p, ok := b.pending[m.MessageID]
	if ok {
		delete(b.pending, m.MessageID)
	}
	b.pendingMu.Unlock()
	if ok {
		b.settle(p, Rejected(RejectPermanent))
	}

	if b.onDead != nil {
		b.onDead(DeadLetter{Message: m, Reason: reason})
	}
}

// DeadLetterMessage exposes the deadLetter path for explicit
// dead_letter(message_id, reason) calls from a runner that has already
// dequeued but decided not to process the message at all.
func (b *Bus) DeadLetterMessage(m Message, reason DeadLetterReason) {
	b.deadLetter(m, reason)
}
