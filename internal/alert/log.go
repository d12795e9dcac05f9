package alert

import "log/slog"

// LogSink writes alerts through slog, the default sink when no external
// channel is configured (spec §9 Design Notes: every component must be
// runnable with zero external dependencies).
type LogSink struct {
	log *slog.Logger
}

// NewLogSink wraps logger, defaulting to slog.Default if nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger.With("component", "alert")}
}

func (s *LogSink) Send(a Alert) error {
	attrs := []any{"agent_id", a.AgentID, "reason", a.Reason, "severity", a.Severity.String()}
	switch a.Severity {
	case SeverityCritical:
		s.log.Error("alert", attrs...)
	case SeverityWarning:
		s.log.Warn("alert", attrs...)
	default:
		s.log.Info("alert", attrs...)
	}
	return nil
}
