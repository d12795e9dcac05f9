// Package queue provides the DurableQueue abstraction used to persist
// undelivered messages across a runtime restart (spec §6: "the bus MAY
// be backed by a durable queue; delivery guarantees in §4.4 must hold
// whether or not one is configured"). Grounded on the teacher's
// internal/nats client (ODSapper-CLIAIMONITOR): a thin wrapper that
// marshals to JSON at the boundary and exposes Publish/Subscribe rather
// than leaking the wire client.
package queue

import "context"

// Envelope is the durable representation of one enqueued message. It is
// deliberately a byte payload plus routing metadata, not bus.Message
// itself, so this package has no import on internal/bus.
type Envelope struct {
	ID        string
	Subject   string
	Payload   []byte
	Attempt   int
}

// Handler processes one delivered envelope. Returning an error leaves
// the envelope redelivered per the queue's own retry policy.
type Handler func(ctx context.Context, env Envelope) error

// DurableQueue is the pluggable durable backend for the message bus.
type DurableQueue interface {
	// Publish enqueues env for delivery to Subscribers of its Subject.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h to receive envelopes published to subject.
	// The returned cancel func stops delivery; it does not drain
	// in-flight envelopes.
	Subscribe(subject string, h Handler) (cancel func(), err error)
	// Close releases the underlying connection/resources.
	Close() error
}
