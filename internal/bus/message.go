// Package bus implements the typed message bus (spec C4): message
// resolution, per-agent bounded priority inboxes, at-least-once
// delivery with exponential backoff, and dead-lettering. Grounded on
// the teacher's scheduler.JobRunner (stopCh/doneCh dispatch loop) for
// the retry-timer shape, and on orchestrator/toolloop.go's
// errgroup-based bounded fan-out for broadcast sends.
package bus

import (
	"time"

	"github.com/clawinfra/evoclaw/internal/capability"
)

// Priority ranks delivery order within an inbox (spec §3: "Critical
// jumps ahead of Normal but preserves FIFO within each class").
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityCritical
)

func (p Priority) String() string {
	if p == PriorityCritical {
		return "Critical"
	}
	return "Normal"
}

// Kind is the closed tagged variant for Message.kind (spec §3 and §9
// Design Notes: "a tagged variant for Message.kind; do not model it as
// an OO class tree").
type Kind string

const (
	KindCapabilityRequest  Kind = "CapabilityRequest"
	KindCapabilityResponse Kind = "CapabilityResponse"
	KindStatusUpdate       Kind = "StatusUpdate"
	KindEvent              Kind = "Event"
	KindError              Kind = "Error"
	KindControl            Kind = "Control"
)

// AckPolicy controls whether a sender can await terminal delivery
// status (spec §4.4).
type AckPolicy string

const (
	AckAtLeastOnce  AckPolicy = "AtLeastOnce"
	AckFireAndForget AckPolicy = "FireAndForget"
)

// ExternalSender is the sentinel `from` value for messages originating
// outside the agent fleet (spec §3).
const ExternalSender = "external"

// Payload is the bus's opaque message body: raw bytes tagged with a
// content-type label the sender and receiver agree on out of band (spec
// §6: "Payloads are opaque to the bus").
type Payload struct {
	ContentType string
	Data        []byte
}

// Message is the unit transferred by the bus (spec §3).
type Message struct {
	MessageID     string
	CorrelationID string
	From          string
	To            string // resolved, concrete agent id after enqueue
	Kind          Kind
	Payload       Payload
	Priority      Priority
	EnqueuedAt    time.Time
	DeadlineAt    time.Time
	Attempts      int
	AckPolicy     AckPolicy

	// RoutingPolicy selects which candidate a `cap:` To is resolved to
	// (spec §4.3). Ignored for direct-id and broadcast sends. Defaults
	// to capability.PolicyLeastLoaded when unset.
	RoutingPolicy capability.Policy
	// PreferredID is consulted only under capability.PolicyPreferred.
	PreferredID string
}

// RejectReason classifies a Rejected ack outcome (spec §4.4/§7).
type RejectReason string

const (
	RejectTransient RejectReason = "transient"
	RejectPermanent RejectReason = "permanent"
)

// AckOutcome is the terminal or intermediate disposition of a delivery
// attempt (spec §4.4: ack(message_id, outcome) where outcome ∈
// {Handled, Rejected(reason), Deferred}).
type AckOutcome struct {
	Handled  bool
	Rejected bool
	Reason   RejectReason
	Deferred bool
}

var (
	Handled  = AckOutcome{Handled: true}
	Deferred = AckOutcome{Deferred: true}
)

// Rejected constructs a Rejected outcome carrying reason.
func Rejected(reason RejectReason) AckOutcome {
	return AckOutcome{Rejected: true, Reason: reason}
}

// DeadLetterReason explains why a message was moved to the DLQ.
type DeadLetterReason string

const (
	DeadLetterAttemptsExhausted DeadLetterReason = "AttemptsExhausted"
	DeadLetterDeadline          DeadLetterReason = "Deadline"
	DeadLetterPermanent         DeadLetterReason = "Permanent"
	DeadLetterStopped           DeadLetterReason = "AgentStopped"
)

// DeadLetter is a message that exhausted delivery and the reason why.
type DeadLetter struct {
	Message Message
	Reason  DeadLetterReason
}

// SendReceipt is returned by Send; callers with AckAtLeastOnce await
// Done for the terminal outcome.
type SendReceipt struct {
	MessageID string
	Done      <-chan AckOutcome
}
