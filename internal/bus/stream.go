package bus

import "context"

// Stream is what subscribe(id) returns to the runner (spec §4.4):
// messages in inbox order, Critical before Normal, FIFO within class.
// It also enforces deadline expiry at dequeue time, since a message can
// sit past its deadline while still queued (spec §4.4: "On crossing
// deadline_at while queued: dead_letter(reason=Deadline) at next
// dequeue attempt").
type Stream struct {
	bus   *Bus
	inbox *Inbox
}

// Next blocks for the next deliverable message, skipping (and
// dead-lettering) any that have crossed their deadline while queued.
// ok is false once the stream is closed or ctx is cancelled.
func (s *Stream) Next(ctx context.Context) (Message, bool) {
	for {
		m, ok := s.inbox.Dequeue(ctx)
		if !ok {
			return Message{}, false
		}
		s.bus.reg.SetQueueDepth(m.To, s.inbox.Len())
		if !m.DeadlineAt.IsZero() && s.bus.clock.Now().After(m.DeadlineAt) {
			s.bus.deadLetter(m, DeadLetterDeadline)
			continue
		}
		return m, true
	}
}

// Depth reports the current inbox depth, for health checks and
// LeastLoaded resolution.
func (s *Stream) Depth() int { return s.inbox.Len() }
