// Package supervisor implements the lifecycle state machine and health
// polling loop (spec C6). Grounded on the teacher's internal/router
// HealthRegistry: consecutive-failure counting, a cooldown-style
// recovery window, and a dirty-flag persistence model — generalized
// from "LLM model health" to "agent lifecycle health" — composed with
// internal/scheduler.Scheduler's "own ticker per managed unit, cancel
// via context, wait on shutdown" outer loop shape for the periodic
// sampling cadence.
package supervisor

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/clawinfra/evoclaw/internal/alert"
	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/clock"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/metrics"
	"github.com/clawinfra/evoclaw/internal/registry"
)

// Config tunes the health loop and restart policy (spec §4.6).
type Config struct {
	HealthInterval     time.Duration
	HeartbeatStaleness time.Duration
	InboxSoftLimit     int
	ErrorRateCeiling   float64
	ErrorWindow        int // number of recent handler outcomes considered for predicate (c)
	RestartBase        time.Duration
	RestartMaxBackoff  time.Duration
	MaxRestarts        int
	DrainDeadline      time.Duration
	HealthyStreakToRun int // consecutive healthy samples required to leave Degraded
}

// DefaultConfig returns the spec's worked-example defaults where given,
// and conservative values elsewhere.
func DefaultConfig() Config {
	return Config{
		HealthInterval:     2 * time.Second,
		HeartbeatStaleness: 10 * time.Second,
		InboxSoftLimit:     100,
		ErrorRateCeiling:   0.5,
		ErrorWindow:        20,
		RestartBase:        time.Second,
		RestartMaxBackoff:  time.Minute,
		MaxRestarts:        5,
		DrainDeadline:      5 * time.Second,
		HealthyStreakToRun: 2,
	}
}

// AgentHandle is what a Factory hands back after starting one agent's
// runner; the supervisor only needs to be able to stop it.
type AgentHandle interface {
	Stop()
}

// Factory starts (or restarts) the runner for id and returns a handle
// the supervisor can Stop later. Returning an error is treated as
// init_fail (spec FSM: Starting --init_fail--> Failing).
type Factory func(ctx context.Context, id string) (AgentHandle, error)

// agentState is the supervisor's own bookkeeping for id, kept separate
// from registry.Descriptor since the spec's ownership rule reserves
// state/last_heartbeat_at/consecutive_failures on the descriptor for a
// narrower purpose than the supervisor's full health/restart bookkeeping
// (error-rate window, healthy streak, restart attempt count, running
// handle) needs.
type agentState struct {
	attempts      int
	healthyStreak int
	outcomes      []bool // ring buffer of the last ErrorWindow handler outcomes
	outcomeHead   int
	handle        AgentHandle
	restartTimer  *time.Timer
	cancel        context.CancelFunc
}

func newAgentState(window int) *agentState {
	if window <= 0 {
		window = 1
	}
	return &agentState{outcomes: make([]bool, 0, window)}
}

func (s *agentState) recordOutcome(window int, success bool) {
	if len(s.outcomes) < window {
		s.outcomes = append(s.outcomes, success)
		return
	}
	s.outcomes[s.outcomeHead] = success
	s.outcomeHead = (s.outcomeHead + 1) % window
}

func (s *agentState) errorRate() float64 {
	if len(s.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range s.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(s.outcomes))
}

// Supervisor drives the agent lifecycle FSM (spec C6): starting agents,
// polling health on a fixed cadence, demoting/restarting on failure, and
// emitting Critical alerts when an agent exhausts its restart budget.
type Supervisor struct {
	cfg     Config
	reg     *registry.Registry
	bus     *bus.Bus
	audit   *audit.Log
	alerts  alert.Sink
	metrics *metrics.Metrics
	clock   clock.Clock
	factory Factory
	log     *slog.Logger

	mu     sync.Mutex
	states map[string]*agentState

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Supervisor. alerts and metrics may be nil.
func New(cfg Config, reg *registry.Registry, b *bus.Bus, auditLog *audit.Log, alerts alert.Sink, m *metrics.Metrics, clk clock.Clock, factory Factory, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		reg:     reg,
		bus:     b,
		audit:   auditLog,
		alerts:  alerts,
		metrics: m,
		clock:   clk,
		factory: factory,
		log:     logger.With("component", "supervisor"),
		states:  make(map[string]*agentState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (s *Supervisor) stateFor(id string) *agentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = newAgentState(s.cfg.ErrorWindow)
		s.states[id] = st
	}
	return st
}

// RecordOutcome feeds the error-rate window (spec §4.6 predicate (c))
// and, for a Fatal outcome, immediately forces the agent to Failing and
// raises a Critical alert (spec §7: "the supervisor marks the agent
// Failing; a Critical alert is emitted. Fatal errors are contained to
// the offending agent"). Wired as the runner's Config.OnOutcome
// callback for id.
func (s *Supervisor) RecordOutcome(id string, outcome controlapi.HandlerOutcome) {
	st := s.stateFor(id)
	s.mu.Lock()
	st.recordOutcome(s.cfg.ErrorWindow, outcome == controlapi.OutcomeSuccess)
	s.mu.Unlock()

	if outcome == controlapi.OutcomeFatal {
		s.log.Error("agent reported fatal outcome, forcing Failing", "agent_id", id)
		s.forceFailing(context.Background(), id)
	}
}

// forceFailing drives id into Failing regardless of its current
// Running/Idle/Degraded state, then runs it through the same restart
// budget logic as a consec_failures≥F demotion. Running/Idle can't
// transition to Failing directly (spec FSM only permits
// Degraded->Failing), so this steps through Degraded first; errors from
// that intermediate step are not fatal to the call since the agent may
// already be in Degraded.
func (s *Supervisor) forceFailing(ctx context.Context, id string) {
	d, err := s.reg.Get(id)
	if err != nil {
		s.log.Warn("forceFailing: no such agent", "agent_id", id, "error", err)
		return
	}
	if d.State != registry.StateDegraded {
		s.reg.UpdateState(ctx, id, registry.StateDegraded)
	}
	if _, cerr := s.reg.UpdateState(ctx, id, registry.StateFailing); cerr != nil {
		s.log.Error("forceFailing: could not reach Failing", "agent_id", id, "error", cerr)
		return
	}
	s.raiseAlert(ctx, id, alert.SeverityCritical, "agent reported a fatal handler outcome")
	s.handleFailing(ctx, id)
}

// StartAgent drives Registered --start--> Starting --init_ok/init_fail-->
// Running/Failing for id, invoking the factory to actually spin up the
// runner.
func (s *Supervisor) StartAgent(ctx context.Context, id string) error {
	if _, cerr := s.reg.UpdateState(ctx, id, registry.StateStarting); cerr != nil {
		return cerr
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle, err := s.factory(runCtx, id)
	if err != nil {
		cancel()
		s.log.Warn("agent init failed", "agent_id", id, "error", err)
		if _, cerr := s.reg.UpdateState(ctx, id, registry.StateFailing); cerr != nil {
			s.log.Error("failed to transition to Failing after init failure", "agent_id", id, "error", cerr)
		}
		s.handleFailing(ctx, id)
		return err
	}

	st := s.stateFor(id)
	s.mu.Lock()
	st.handle = handle
	st.cancel = cancel
	s.mu.Unlock()

	if _, cerr := s.reg.UpdateState(ctx, id, registry.StateRunning); cerr != nil {
		return cerr
	}
	return nil
}

// StopAgent drives any-running --stop--> Stopping --drained--> Stopped,
// closing the bus inbox (which dead-letters anything undrained) after
// giving the runner up to drain_deadline to exit on its own (spec §4.6
// "Stop semantics").
func (s *Supervisor) StopAgent(ctx context.Context, id string) error {
	if _, cerr := s.reg.UpdateState(ctx, id, registry.StateStopping); cerr != nil {
		return cerr
	}

	s.mu.Lock()
	st, ok := s.states[id]
	s.mu.Unlock()
	if ok && st.handle != nil {
		stopped := make(chan struct{})
		go func() {
			st.handle.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(s.cfg.DrainDeadline):
			s.log.Warn("agent did not drain within deadline, abandoning", "agent_id", id)
		}
		if st.cancel != nil {
			st.cancel()
		}
	}

	s.bus.CloseInbox(id)

	if _, cerr := s.reg.UpdateState(ctx, id, registry.StateStopped); cerr != nil {
		return cerr
	}
	return nil
}

// Start begins the periodic health-sampling loop, one tick per
// health_interval, until ctx is cancelled or Stop is called — the same
// stopCh/doneCh/ctx.Done() shape as scheduler.Scheduler's managed
// JobRunners, applied here to the supervisor's own sampling cadence.
func (s *Supervisor) Start(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	s.log.Info("supervisor started", "health_interval", s.cfg.HealthInterval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.log.Info("supervisor stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop requests the health loop to exit and waits for it to do so.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// sweep samples every non-terminal agent once.
func (s *Supervisor) sweep(ctx context.Context) {
	for _, d := range s.reg.List() {
		if d.State.Terminal() || d.State == registry.StateStopping {
			continue
		}
		s.sample(ctx, d)
	}
}

// sample applies spec §4.6's three health predicates to d and drives the
// resulting FSM transition.
func (s *Supervisor) sample(ctx context.Context, d registry.Descriptor) {
	st := s.stateFor(d.ID)

	staleness := s.clock.Now().Sub(d.LastHeartbeatAt)
	heartbeatOK := d.State == registry.StateRegistered || d.State == registry.StateStarting ||
		staleness <= s.cfg.HeartbeatStaleness
	inboxOK := d.QueueDepth <= s.cfg.InboxSoftLimit

	s.mu.Lock()
	errRate := st.errorRate()
	s.mu.Unlock()
	errRateOK := errRate <= s.cfg.ErrorRateCeiling

	healthy := heartbeatOK && inboxOK && errRateOK
	if s.metrics != nil {
		severity := "healthy"
		if !healthy {
			severity = "fail"
		}
		s.metrics.RecordHealthCheck(severity)
	}

	switch d.State {
	case registry.StateRunning, registry.StateIdle:
		if !healthy {
			s.log.Warn("agent health_fail", "agent_id", d.ID,
				"heartbeat_ok", heartbeatOK, "inbox_ok", inboxOK, "error_rate_ok", errRateOK)
			s.mu.Lock()
			st.healthyStreak = 0
			s.mu.Unlock()
			s.reg.UpdateState(ctx, d.ID, registry.StateDegraded)
		}

	case registry.StateDegraded:
		if d.ConsecutiveFailures >= s.cfg.failureThreshold() {
			s.reg.UpdateState(ctx, d.ID, registry.StateFailing)
			s.handleFailing(ctx, d.ID)
			return
		}
		if healthy {
			s.mu.Lock()
			st.healthyStreak++
			streak := st.healthyStreak
			s.mu.Unlock()
			if streak >= s.cfg.HealthyStreakToRun {
				s.reg.UpdateState(ctx, d.ID, registry.StateRunning)
			}
		} else {
			s.mu.Lock()
			st.healthyStreak = 0
			s.mu.Unlock()
		}
	}
}

// failureThreshold derives the consec_failures≥F trigger (spec FSM
// "Degraded --consec_failures≥F--> Failing") from MaxRestarts, since the
// spec leaves F as an independent knob but no worked example sets it
// separately: defaulting F to MaxRestarts keeps an agent eligible for
// exactly its restart budget's worth of in-place failures before the
// supervisor gives up.
func (c Config) failureThreshold() int {
	if c.MaxRestarts <= 0 {
		return 1
	}
	return c.MaxRestarts
}

// handleFailing drives Failing --restart(attempt<A)--> Starting or
// Failing --restart(attempt=A)--> Dead (spec §4.6 restart policy).
func (s *Supervisor) handleFailing(ctx context.Context, id string) {
	st := s.stateFor(id)
	s.mu.Lock()
	st.attempts++
	attempt := st.attempts
	s.mu.Unlock()

	if attempt > s.cfg.MaxRestarts {
		s.reg.UpdateState(ctx, id, registry.StateDead)
		s.raiseAlert(ctx, id, alert.SeverityCritical, "restart budget exhausted, agent is Dead")
		return
	}
	s.scheduleRestart(id)
}

// scheduleRestart arranges for StartAgent to run again after an
// exponential backoff (spec: "restart_base × 2^attempt, capped", attempt
// 0-indexed on the first restart).
func (s *Supervisor) scheduleRestart(id string) {
	st := s.stateFor(id)
	s.mu.Lock()
	attempt := st.attempts
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRestart(id)
	}

	delay := restartBackoff(s.cfg.RestartBase, s.cfg.RestartMaxBackoff, attempt-1)
	fire := func() {
		if err := s.StartAgent(context.Background(), id); err != nil {
			s.log.Warn("scheduled restart failed", "agent_id", id, "error", err)
		}
	}

	s.mu.Lock()
	st.restartTimer = time.AfterFunc(delay, fire)
	s.mu.Unlock()
}

// restartBackoff computes base * 2^attempt, capped at max, jittered
// ±25% the same way bus.backoff computes retry delay.
func restartBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(d) * jitter)
}

// raiseAlert emits a Critical alert through both the bus broadcast
// channel and the external sink, and records it to the audit log (spec
// §4.6: "an alert of severity Critical is emitted through C4 (broadcast
// kind StatusUpdate) and recorded to C7").
func (s *Supervisor) raiseAlert(ctx context.Context, id string, sev alert.Severity, reason string) {
	a := alert.Alert{Severity: sev, AgentID: id, Reason: reason, Timestamp: s.clock.Now()}

	s.bus.Send(ctx, bus.Message{
		From:      bus.ExternalSender,
		To:        bus.BroadcastTag,
		Kind:      bus.KindStatusUpdate,
		AckPolicy: bus.AckFireAndForget,
		Payload:   bus.Payload{ContentType: "text/plain", Data: []byte(reason)},
	}, s.cfg.DrainDeadline)

	if s.alerts != nil {
		if err := s.alerts.Send(a); err != nil {
			s.log.Warn("alert sink failed", "agent_id", id, "error", err)
		}
	}

	if s.audit != nil {
		s.audit.Append(ctx, "global", audit.Record{
			AgentID: id,
			Kind:    audit.KindControl,
			Detail:  reason,
			Outcome: "Completed",
		})
	}
}
