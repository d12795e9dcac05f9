package runner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/capability"
	"github.com/clawinfra/evoclaw/internal/clock"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/kv"
	"github.com/clawinfra/evoclaw/internal/registry"
)

type harness struct {
	reg   *registry.Registry
	bus   *bus.Bus
	audit *audit.Log
	clock *clock.Fake
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	idx := capability.New()
	clk := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(kv.NewMem(), clk, registry.WithIndex(idx))
	b := bus.New(bus.DefaultConfig(), reg, idx, clk, nil, nil, nil)

	dir, err := os.MkdirTemp("", "runner-audit")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	al, err := audit.Open(dir, clk, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &harness{reg: reg, bus: b, audit: al, clock: clk, dir: dir}
}

func (h *harness) startAgent(ctx context.Context, t *testing.T, id string, handlers Table, cfg Config) *Runner {
	t.Helper()
	if _, cerr := h.reg.Register(ctx, registry.Descriptor{ID: id}); cerr != nil {
		t.Fatal(cerr)
	}
	h.reg.UpdateState(ctx, id, registry.StateStarting)
	h.reg.UpdateState(ctx, id, registry.StateRunning)
	h.bus.OpenInbox(id, 10)

	return New(id, h.reg, h.bus, h.audit, h.clock, handlers, cfg, nil)
}

func TestHandlerSuccessAcksHandledAndHeartbeats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	invoked := make(chan struct{}, 1)
	handlers := Table{
		bus.KindEvent: func(hctx Context, msg bus.Message) Outcome {
			invoked <- struct{}{}
			return Outcome{Status: controlapi.OutcomeSuccess, Category: controlapi.CategoryExternalRead}
		},
	}
	r := h.startAgent(ctx, t, "a1", handlers, DefaultConfig())
	// Register stamped LastHeartbeatAt at Unix(0); move the clock so a
	// fresh heartbeat is distinguishable from that one.
	h.clock.Advance(time.Second)

	go r.Start(ctx)
	defer r.Stop()

	receipt, cerr := h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckAtLeastOnce}, time.Second)
	if cerr != nil {
		t.Fatal(cerr)
	}

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	select {
	case outcome := <-receipt.Done:
		if !outcome.Handled {
			t.Fatalf("expected Handled ack, got %+v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was never acked")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d, _ := h.reg.Get("a1")
		if d.LastHeartbeatAt.Equal(time.Unix(1, 0)) && d.ConsecutiveFailures == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected heartbeat to be recorded after a successful handler")
}

func TestMissingHandlerIsPermanentRejection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	r := h.startAgent(ctx, t, "a1", Table{}, DefaultConfig())
	go r.Start(ctx)
	defer r.Stop()

	receipt, cerr := h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckAtLeastOnce}, time.Second)
	if cerr != nil {
		t.Fatal(cerr)
	}

	select {
	case outcome := <-receipt.Done:
		if !outcome.Rejected || outcome.Reason != bus.RejectPermanent {
			t.Fatalf("expected permanent rejection for missing handler, got %+v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestRetriableFailureIsTransientRejection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	handlers := Table{
		bus.KindEvent: func(hctx Context, msg bus.Message) Outcome {
			return Outcome{Status: controlapi.OutcomeTransient, Category: controlapi.CategoryExternalWrite, Detail: "transient backend error"}
		},
	}
	r := h.startAgent(ctx, t, "a1", handlers, DefaultConfig())
	go r.Start(ctx)
	defer r.Stop()

	receipt, cerr := h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckAtLeastOnce}, time.Second)
	if cerr != nil {
		t.Fatal(cerr)
	}

	select {
	case outcome := <-receipt.Done:
		if !outcome.Rejected || outcome.Reason != bus.RejectTransient {
			t.Fatalf("expected transient rejection, got %+v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestPolicyOutcomeIsPermanentRejectionAndAuditedAsDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	handlers := Table{
		bus.KindEvent: func(hctx Context, msg bus.Message) Outcome {
			return Outcome{Status: controlapi.OutcomePolicy, Category: controlapi.CategoryDestructive, Detail: "guard refused"}
		},
	}
	cfg := DefaultConfig()
	cfg.AuditBucket = "policy-test"
	r := h.startAgent(ctx, t, "a1", handlers, cfg)
	go r.Start(ctx)
	defer r.Stop()

	receipt, cerr := h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckAtLeastOnce}, time.Second)
	if cerr != nil {
		t.Fatal(cerr)
	}

	select {
	case outcome := <-receipt.Done:
		if !outcome.Rejected || outcome.Reason != bus.RejectPermanent {
			t.Fatalf("expected permanent rejection for a policy denial, got %+v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		records, err := h.audit.Read("policy-test")
		if err != nil {
			t.Fatal(err)
		}
		if len(records) == 1 && records[0].Outcome == "DeniedByPolicy" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected one DeniedByPolicy ActionRecord for the policy-denied message")
}

func TestHandlerTimeoutIsTransientRejection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	block := make(chan struct{})
	defer close(block)

	handlers := Table{
		bus.KindEvent: func(hctx Context, msg bus.Message) Outcome {
			<-block
			return Outcome{Status: controlapi.OutcomeSuccess}
		},
	}
	cfg := DefaultConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	r := h.startAgent(ctx, t, "a1", handlers, cfg)
	go r.Start(ctx)
	defer r.Stop()

	receipt, cerr := h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckAtLeastOnce}, time.Second)
	if cerr != nil {
		t.Fatal(cerr)
	}

	select {
	case outcome := <-receipt.Done:
		if !outcome.Rejected || outcome.Reason != bus.RejectTransient {
			t.Fatalf("expected transient rejection on timeout, got %+v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestFatalOutcomeIsReportedToOnOutcomeCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	handlers := Table{
		bus.KindEvent: func(hctx Context, msg bus.Message) Outcome {
			return Outcome{Status: controlapi.OutcomeFatal, Category: controlapi.CategoryStateChange, Detail: "invariant violated"}
		},
	}
	cfg := DefaultConfig()
	reported := make(chan controlapi.HandlerOutcome, 1)
	cfg.OnOutcome = func(outcome controlapi.HandlerOutcome) { reported <- outcome }
	r := h.startAgent(ctx, t, "a1", handlers, cfg)
	go r.Start(ctx)
	defer r.Stop()

	h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckFireAndForget}, time.Second)

	select {
	case outcome := <-reported:
		if outcome != controlapi.OutcomeFatal {
			t.Fatalf("expected OnOutcome to report Fatal, got %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnOutcome was never called")
	}
}

func TestControlKindMessageIsAlwaysAudited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	handlers := Table{
		bus.KindControl: func(hctx Context, msg bus.Message) Outcome {
			return Outcome{Status: controlapi.OutcomeSuccess, Category: controlapi.CategoryExternalRead}
		},
	}
	cfg := DefaultConfig()
	cfg.AuditBucket = "control-test"
	r := h.startAgent(ctx, t, "a1", handlers, cfg)
	go r.Start(ctx)
	defer r.Stop()

	receipt, cerr := h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindControl, AckPolicy: bus.AckAtLeastOnce}, time.Second)
	if cerr != nil {
		t.Fatal(cerr)
	}
	<-receipt.Done

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		records, err := h.audit.Read("control-test")
		if err != nil {
			t.Fatal(err)
		}
		if len(records) == 1 && records[0].Outcome == "Completed" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected one Completed ActionRecord for the Control message")
}

func TestExternalReadWithoutControlKindIsNotAudited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	handlers := Table{
		bus.KindEvent: func(hctx Context, msg bus.Message) Outcome {
			return Outcome{Status: controlapi.OutcomeSuccess, Category: controlapi.CategoryExternalRead}
		},
	}
	cfg := DefaultConfig()
	cfg.AuditBucket = "noaudit-test"
	r := h.startAgent(ctx, t, "a1", handlers, cfg)
	go r.Start(ctx)
	defer r.Stop()

	receipt, _ := h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckAtLeastOnce}, time.Second)
	<-receipt.Done
	time.Sleep(50 * time.Millisecond)

	records, err := h.audit.Read("noaudit-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no audit records for a non-auditable ExternalRead, got %d", len(records))
	}
}

func TestStopDrainsRemainingMessagesBeforeExiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	var handled int
	handlers := Table{
		bus.KindEvent: func(hctx Context, msg bus.Message) Outcome {
			handled++
			return Outcome{Status: controlapi.OutcomeSuccess, Category: controlapi.CategoryExternalRead}
		},
	}
	r := h.startAgent(ctx, t, "a1", handlers, DefaultConfig())

	for i := 0; i < 3; i++ {
		h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckFireAndForget}, time.Second)
	}

	go r.Start(ctx)
	r.Stop()

	if handled == 0 {
		t.Fatal("expected at least one queued message to be drained before stop returned")
	}
}

func TestSendFromHandlerStampsCorrelationID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	h.reg.Register(ctx, registry.Descriptor{ID: "b1"})
	h.reg.UpdateState(ctx, "b1", registry.StateStarting)
	h.reg.UpdateState(ctx, "b1", registry.StateRunning)
	h.bus.OpenInbox("b1", 10)

	handlers := Table{
		bus.KindEvent: func(hctx Context, msg bus.Message) Outcome {
			hctx.Send(bus.Message{To: "b1", Kind: bus.KindEvent, AckPolicy: bus.AckFireAndForget}, time.Second)
			return Outcome{Status: controlapi.OutcomeSuccess, Category: controlapi.CategoryExternalRead}
		},
	}
	r := h.startAgent(ctx, t, "a1", handlers, DefaultConfig())
	go r.Start(ctx)
	defer r.Stop()

	h.bus.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, CorrelationID: "corr-1", AckPolicy: bus.AckFireAndForget}, time.Second)

	stream, _ := h.bus.Subscribe("b1")
	dctx, dcancel := context.WithTimeout(ctx, 2*time.Second)
	defer dcancel()
	m, ok := stream.Next(dctx)
	if !ok {
		t.Fatal("expected forwarded message to arrive at b1")
	}
	if m.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation id to propagate, got %q", m.CorrelationID)
	}
	if m.From != "a1" {
		t.Fatalf("expected From to default to the sending agent, got %q", m.From)
	}
}
