package alert

// MultiSink fans one alert out to every configured sink, continuing
// past individual failures so one broken sink (e.g. an unreachable
// webhook) never silences the others.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one. Nil sinks are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	nonNil := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			nonNil = append(nonNil, s)
		}
	}
	return &MultiSink{sinks: nonNil}
}

// Send delivers a to every sink, returning the first error encountered
// (if any) after attempting delivery to all of them.
func (m *MultiSink) Send(a Alert) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Send(a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
