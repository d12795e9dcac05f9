package queue

import (
	"context"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
)

// NATS is a DurableQueue backed by NATS JetStream, grounded on the
// teacher pack's internal/nats.Client: indefinite reconnect, a thin
// Message wrapper, JSON at the boundary — extended here to a durable
// JetStream stream so published envelopes survive a broker restart.
type NATS struct {
	conn   *nc.Conn
	js     nc.JetStreamContext
	stream string
}

// NATSConfig configures the JetStream stream backing the queue.
type NATSConfig struct {
	URL     string
	Stream  string
	Subjects []string
}

// NewNATS connects to url and ensures the configured stream exists.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	conn, err := nc.Connect(cfg.URL,
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nc.StreamConfig{
		Name:     cfg.Stream,
		Subjects: cfg.Subjects,
	}); err != nil && err != nc.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("queue: add stream %s: %w", cfg.Stream, err)
	}

	return &NATS{conn: conn, js: js, stream: cfg.Stream}, nil
}

func (n *NATS) Publish(ctx context.Context, env Envelope) error {
	_, err := n.js.Publish(env.Subject, env.Payload, nc.MsgId(env.ID))
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", env.Subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(subject string, h Handler) (func(), error) {
	sub, err := n.js.Subscribe(subject, func(msg *nc.Msg) {
		meta, _ := msg.Metadata()
		attempt := 1
		if meta != nil {
			attempt = int(meta.NumDelivered)
		}
		env := Envelope{Subject: msg.Subject, Payload: msg.Data, Attempt: attempt}
		if err := h(context.Background(), env); err != nil {
			msg.Nak()
			return
		}
		msg.Ack()
	}, nc.ManualAck(), nc.Durable(sanitizeDurableName(subject)))
	if err != nil {
		return nil, fmt.Errorf("queue: subscribe %s: %w", subject, err)
	}

	cancel := func() { sub.Unsubscribe() }
	return cancel, nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}

// sanitizeDurableName maps a bus subject (which may contain '.') to a
// JetStream durable consumer name, which must not contain '.'.
func sanitizeDurableName(subject string) string {
	out := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			out[i] = '_'
		} else {
			out[i] = subject[i]
		}
	}
	return string(out)
}
