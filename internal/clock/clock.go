// Package clock provides the runtime's monotonic time source and id minter.
// Every component that needs "now" or a fresh id goes through a Clock
// instead of calling time.Now()/uuid.New() directly, so tests can inject a
// deterministic substitute (Fake) instead of racing the wall clock.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time + id source consumed by every other component.
type Clock interface {
	// Now returns the current time. Successive calls on the same Clock
	// never go backwards.
	Now() time.Time
	// Sleep blocks for d, honoring cancellation via the caller's own
	// context where applicable (Clock itself is context-free; callers
	// that need cancellable sleeps select on time.After(d) vs ctx.Done()).
	Sleep(d time.Duration)
	// NewID mints a process-unique, creation-order-sortable id with the
	// given prefix, e.g. NewID("msg") -> "msg_<hex-nanos>_<suffix>".
	NewID(prefix string) string
}

// System is the production Clock, backed by the real wall clock.
type System struct {
	mu   sync.Mutex
	last time.Time
}

// New returns a System clock.
func New() *System {
	return &System{}
}

// Now returns time.Now(), guarded so two calls never observe the same
// instant going backwards even if the OS clock is adjusted underneath it.
func (s *System) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

// Sleep blocks the calling goroutine for d.
func (s *System) Sleep(d time.Duration) {
	time.Sleep(d)
}

// NewID mints a sortable id: "<prefix>_<unix-nanos-hex>_<random-suffix>",
// the nanos zero-padded to 13 hex digits.
// The timestamp component makes ids minted later sort after ids minted
// earlier; the random suffix (from google/uuid) guards against collision
// when two ids are minted within the same nanosecond.
func (s *System) NewID(prefix string) string {
	now := s.Now()
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%013x_%s", prefix, now.UnixNano(), suffix)
}

// Fake is a deterministic Clock for tests. The zero value starts at the
// zero time.Time (January 1, year 1 UTC); advance it explicitly with
// Advance or Set.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64
}

// NewFake returns a Fake clock seeded at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake clock's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep advances the fake clock by d instead of blocking. Tests that need
// to observe an in-progress sleep should not call this from the goroutine
// under test; it is meant for straight-line test code that wants time to
// "pass" without a real delay.
func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// NewID mints a deterministic, monotonically increasing id for tests:
// "<prefix>_<counter>". No randomness, so test assertions can hardcode
// expected ids.
func (f *Fake) NewID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	return fmt.Sprintf("%s_%06d", prefix, f.counter)
}
