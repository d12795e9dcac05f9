package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPublishIncrementsCounter(t *testing.T) {
	m := New()
	m.RecordPublish("CapabilityRequest", "Normal")
	m.RecordPublish("CapabilityRequest", "Normal")

	got := testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("CapabilityRequest", "Normal"))
	if got != 2 {
		t.Fatalf("expected 2 sent, got %v", got)
	}
}

func TestRecordAckIncrementsCounterByOutcome(t *testing.T) {
	m := New()
	m.RecordAck("Handled")
	m.RecordAck("Handled")
	m.RecordAck("Deferred")

	if got := testutil.ToFloat64(m.MessagesAckedTotal.WithLabelValues("Handled")); got != 2 {
		t.Fatalf("expected 2 handled acks, got %v", got)
	}
	if got := testutil.ToFloat64(m.MessagesAckedTotal.WithLabelValues("Deferred")); got != 1 {
		t.Fatalf("expected 1 deferred ack, got %v", got)
	}
}

func TestRecordDeliveredObservesLatency(t *testing.T) {
	m := New()
	m.RecordDelivered("a1", 50*time.Millisecond)

	got := testutil.ToFloat64(m.MessagesDeliveredTotal.WithLabelValues("a1"))
	if got != 1 {
		t.Fatalf("expected 1 delivered, got %v", got)
	}
}

func TestSetInboxDepthOverwrites(t *testing.T) {
	m := New()
	m.SetInboxDepth("a1", 3)
	m.SetInboxDepth("a1", 7)

	got := testutil.ToFloat64(m.InboxDepth.WithLabelValues("a1"))
	if got != 7 {
		t.Fatalf("expected gauge to reflect last set value 7, got %v", got)
	}
}

func TestSetAgentsByStateSetsEachLabel(t *testing.T) {
	m := New()
	m.SetAgentsByState(map[string]int{"Running": 3, "Dead": 1})

	if got := testutil.ToFloat64(m.AgentsByState.WithLabelValues("Running")); got != 3 {
		t.Fatalf("expected 3 running, got %v", got)
	}
	if got := testutil.ToFloat64(m.AgentsByState.WithLabelValues("Dead")); got != 1 {
		t.Fatalf("expected 1 dead, got %v", got)
	}
}

func TestRegistriesAreIndependentAcrossInstances(t *testing.T) {
	m1 := New()
	m2 := New()
	m1.RecordPublish("Event", "Normal")

	if got := testutil.ToFloat64(m2.MessagesSentTotal.WithLabelValues("Event", "Normal")); got != 0 {
		t.Fatalf("expected independent registries, but m2 saw m1's increment: %v", got)
	}
}
