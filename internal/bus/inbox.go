package bus

import (
	"container/list"
	"context"
	"sync"
)

// Inbox is a bounded, priority-aware FIFO private to one agent (spec §3
// AgentInbox). Critical entries are dequeued ahead of Normal ones;
// within a class, FIFO order is preserved. Capacity bounds the total
// number of entries across both classes.
type Inbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	critical *list.List
	normal   *list.List
	capacity int
	closed   bool
}

// NewInbox constructs an Inbox with the given bounded capacity.
func NewInbox(capacity int) *Inbox {
	ib := &Inbox{
		critical: list.New(),
		normal:   list.New(),
		capacity: capacity,
	}
	ib.notEmpty = sync.NewCond(&ib.mu)
	ib.notFull = sync.NewCond(&ib.mu)
	return ib
}

func (ib *Inbox) len() int {
	return ib.critical.Len() + ib.normal.Len()
}

// Len reports the current total depth (spec's "current inbox depth",
// consumed by capability.PolicyLeastLoaded and the health check).
func (ib *Inbox) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.len()
}

// Enqueue blocks until there is room, ctx is cancelled, or the inbox is
// closed. Returns false if the wait was abandoned (ctx done or closed)
// without enqueuing — the caller (bus.Send) maps that to
// BackpressureTimeout.
func (ib *Inbox) Enqueue(ctx context.Context, m Message) bool {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ib.mu.Lock()
			ib.notFull.Broadcast()
			ib.mu.Unlock()
		case <-done:
		}
	}()

	ib.mu.Lock()
	defer ib.mu.Unlock()

	for ib.len() >= ib.capacity && ctx.Err() == nil && !ib.closed {
		ib.notFull.Wait()
	}
	if ctx.Err() != nil || ib.closed {
		return false
	}

	if m.Priority == PriorityCritical {
		ib.critical.PushBack(m)
	} else {
		ib.normal.PushBack(m)
	}
	ib.notEmpty.Broadcast()
	return true
}

// Dequeue blocks until a message is available, ctx is cancelled, or the
// inbox is closed. ok is false in the latter two cases.
func (ib *Inbox) Dequeue(ctx context.Context) (Message, bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ib.mu.Lock()
			ib.notEmpty.Broadcast()
			ib.mu.Unlock()
		case <-done:
		}
	}()

	ib.mu.Lock()
	defer ib.mu.Unlock()

	for ib.len() == 0 && ctx.Err() == nil && !ib.closed {
		ib.notEmpty.Wait()
	}
	if ib.len() == 0 {
		return Message{}, false
	}

	var e *list.Element
	var front *list.List
	if ib.critical.Len() > 0 {
		front = ib.critical
	} else {
		front = ib.normal
	}
	e = front.Front()
	m := front.Remove(e).(Message)
	ib.notFull.Broadcast()
	return m, true
}

// Close wakes every blocked Enqueue/Dequeue so callers can observe
// shutdown instead of hanging forever (spec §4.6: Stopping refuses new
// messages and drains the remainder up to drain_deadline).
func (ib *Inbox) Close() {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.closed = true
	ib.notEmpty.Broadcast()
	ib.notFull.Broadcast()
}

// Drain removes and returns every remaining message, for the runner to
// dead-letter on stop.
func (ib *Inbox) Drain() []Message {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	out := make([]Message, 0, ib.len())
	for e := ib.critical.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Message))
	}
	for e := ib.normal.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Message))
	}
	ib.critical.Init()
	ib.normal.Init()
	return out
}
