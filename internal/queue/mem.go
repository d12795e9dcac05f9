package queue

import (
	"context"
	"sync"
)

// Mem is an in-process DurableQueue: it fans out synchronously to every
// subscriber of a subject and has no actual durability, for tests and
// for single-process deployments that accept losing in-flight messages
// across a restart (spec §6's "durable queue" binding is optional).
type Mem struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

// NewMem constructs an empty in-memory queue.
func NewMem() *Mem {
	return &Mem{subs: make(map[string][]Handler)}
}

func (m *Mem) Publish(ctx context.Context, env Envelope) error {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.subs[env.Subject]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		if err := h(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mem) Subscribe(subject string, h Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs[subject] = append(m.subs[subject], h)
	idx := len(m.subs[subject]) - 1

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		handlers := m.subs[subject]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
	return cancel, nil
}

func (m *Mem) Close() error { return nil }
