package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/evoclaw/internal/capability"
	"github.com/clawinfra/evoclaw/internal/clock"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/kv"
	"github.com/clawinfra/evoclaw/internal/registry"
)

type testHarness struct {
	reg   *registry.Registry
	index *capability.Index
	bus   *Bus
	clock *clock.Fake
}

func newHarness(cfg Config) *testHarness {
	idx := capability.New()
	clk := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(kv.NewMem(), clk, registry.WithIndex(idx))
	b := New(cfg, reg, idx, clk, nil, nil, nil)
	return &testHarness{reg: reg, index: idx, bus: b, clock: clk}
}

func (h *testHarness) addRunningAgent(ctx context.Context, id string, caps ...string) {
	h.reg.Register(ctx, registry.Descriptor{ID: id, Capabilities: caps})
	h.reg.UpdateState(ctx, id, registry.StateStarting)
	h.reg.UpdateState(ctx, id, registry.StateRunning)
	h.bus.OpenInbox(id, 10)
}

func TestSendDirectToRunningAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.addRunningAgent(ctx, "a1")

	receipt, cerr := h.bus.Send(ctx, Message{From: "external", To: "a1", Kind: KindEvent}, time.Second)
	require.Nil(t, cerr)
	assert.NotEmpty(t, receipt.MessageID, "expected a message id to be assigned")

	stream, cerr := h.bus.Subscribe("a1")
	require.Nil(t, cerr)
	m, ok := stream.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "a1", m.To)
}

func TestSendToNonDispatchableAgentFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.reg.Register(ctx, registry.Descriptor{ID: "a1"})

	_, cerr := h.bus.Send(ctx, Message{From: "external", To: "a1"}, time.Second)
	require.NotNil(t, cerr)
	assert.Equal(t, controlapi.ErrNoSuchRecipient, cerr.Kind)
}

func TestSendCapabilityTagResolvesLeastLoaded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.addRunningAgent(ctx, "busy", "pay")
	h.addRunningAgent(ctx, "idle", "pay")

	// Fill busy's inbox a bit to raise its depth above idle's.
	h.bus.Send(ctx, Message{From: "external", To: "busy", AckPolicy: AckFireAndForget}, time.Second)

	_, cerr := h.bus.Send(ctx, Message{From: "external", To: "cap:pay", AckPolicy: AckFireAndForget}, time.Second)
	require.Nil(t, cerr)

	idleStream, _ := h.bus.Subscribe("idle")
	assert.Equal(t, 1, idleStream.Depth(), "expected the capability-routed message to land on the idle agent")
}

func TestSendCapabilityTagRoundRobinAlternates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.addRunningAgent(ctx, "a", "pay")
	h.addRunningAgent(ctx, "b", "pay")

	streamA, _ := h.bus.Subscribe("a")
	streamB, _ := h.bus.Subscribe("b")

	var got []string
	prevA, prevB := streamA.Depth(), streamB.Depth()
	for i := 0; i < 4; i++ {
		_, cerr := h.bus.Send(ctx, Message{
			From:          "external",
			To:            "cap:pay",
			AckPolicy:     AckFireAndForget,
			RoutingPolicy: capability.PolicyRoundRobin,
		}, time.Second)
		require.Nil(t, cerr)

		switch {
		case streamA.Depth() > prevA:
			got = append(got, "a")
		case streamB.Depth() > prevB:
			got = append(got, "b")
		}
		prevA, prevB = streamA.Depth(), streamB.Depth()
	}

	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
	assert.Equal(t, 2, streamA.Depth())
	assert.Equal(t, 2, streamB.Depth())
}

func TestBackpressureTimeoutWhenInboxFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.reg.Register(ctx, registry.Descriptor{ID: "y"})
	h.reg.UpdateState(ctx, "y", registry.StateStarting)
	h.reg.UpdateState(ctx, "y", registry.StateRunning)
	h.bus.OpenInbox("y", 2)

	h.bus.Send(ctx, Message{From: "external", To: "y", AckPolicy: AckFireAndForget}, time.Second)
	h.bus.Send(ctx, Message{From: "external", To: "y", AckPolicy: AckFireAndForget}, time.Second)

	_, cerr := h.bus.Send(ctx, Message{From: "external", To: "y"}, 100*time.Millisecond)
	require.NotNil(t, cerr)
	assert.Equal(t, controlapi.ErrBackpressureTimeout, cerr.Kind)
}

func TestAckHandledCompletesReceipt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.addRunningAgent(ctx, "a1")

	receipt, cerr := h.bus.Send(ctx, Message{From: "external", To: "a1", AckPolicy: AckAtLeastOnce}, time.Second)
	require.Nil(t, cerr)

	h.bus.Ack(receipt.MessageID, Handled)

	select {
	case outcome := <-receipt.Done:
		assert.True(t, outcome.Handled, "expected Handled outcome, got %+v", outcome)
	default:
		t.Fatal("expected receipt to be settled synchronously")
	}
}

func TestAckRejectedPermanentDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.addRunningAgent(ctx, "a1")

	var captured DeadLetter
	h.bus.onDead = func(dl DeadLetter) { captured = dl }

	receipt, _ := h.bus.Send(ctx, Message{From: "external", To: "a1", AckPolicy: AckAtLeastOnce}, time.Second)
	h.bus.Ack(receipt.MessageID, Rejected(RejectPermanent))

	assert.Equal(t, DeadLetterPermanent, captured.Reason)
}

func TestAckRejectedTransientRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.RetryBase = time.Millisecond
	h := newHarness(cfg)
	h.addRunningAgent(ctx, "a1")

	var captured DeadLetter
	done := make(chan struct{})
	h.bus.onDead = func(dl DeadLetter) { captured = dl; close(done) }

	receipt, _ := h.bus.Send(ctx, Message{From: "external", To: "a1", AckPolicy: AckAtLeastOnce}, time.Second)
	stream, cerr := h.bus.Subscribe("a1")
	require.Nil(t, cerr)
	nctx, ncancel := context.WithTimeout(ctx, time.Second)
	defer ncancel()

	// First transient rejection: Attempts becomes 1, still within
	// MaxAttempts, so the message is requeued rather than dead-lettered.
	first, ok := stream.Next(nctx)
	require.True(t, ok)
	h.bus.Ack(receipt.MessageID, Rejected(RejectTransient))
	retried, ok := stream.Next(nctx)
	require.True(t, ok, "expected the message to be requeued after the first transient rejection")
	assert.Equal(t, first.MessageID, retried.MessageID)
	assert.Equal(t, 1, retried.Attempts)

	// Second transient rejection: Attempts becomes 2 > MaxAttempts.
	h.bus.Ack(retried.MessageID, Rejected(RejectTransient))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dead letter after exhausting attempts")
	}
	assert.Equal(t, DeadLetterAttemptsExhausted, captured.Reason)
}

func TestAckUnknownMessageIDIsNoop(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.bus.Ack("does-not-exist", Handled) // must not panic
}

func TestBroadcastFansOutToEveryDispatchableAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.addRunningAgent(ctx, "a1")
	h.addRunningAgent(ctx, "a2")
	h.reg.Register(ctx, registry.Descriptor{ID: "a3"}) // stays Registered, not dispatchable

	_, cerr := h.bus.Send(ctx, Message{From: "external", To: BroadcastTag, Kind: KindStatusUpdate}, time.Second)
	require.Nil(t, cerr)

	s1, _ := h.bus.Subscribe("a1")
	s2, _ := h.bus.Subscribe("a2")
	assert.Equal(t, 1, s1.Depth())
	assert.Equal(t, 1, s2.Depth())
}

func TestCloseInboxDeadLettersRemainingMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.addRunningAgent(ctx, "a1")
	h.bus.Send(ctx, Message{From: "external", To: "a1", AckPolicy: AckFireAndForget}, time.Second)

	var reasons []DeadLetterReason
	h.bus.onDead = func(dl DeadLetter) { reasons = append(reasons, dl.Reason) }

	h.bus.CloseInbox("a1")
	require.Len(t, reasons, 1)
	assert.Equal(t, DeadLetterStopped, reasons[0])
}
