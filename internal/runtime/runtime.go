// Package runtime assembles one process's worth of components —
// clock, store, registry, bus, supervisor, control surface, HTTP front
// end, and the optional scheduler and mesh bridge — into a single
// Runtime value built once at startup and handed to cmd/masd. Grounded
// on the teacher's cmd/evoclaw.App: the same "construct everything in
// New, then Start/Stop the aggregate" shape, generalized from one
// concrete EvoClaw wiring to the set internal/config describes.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/clawinfra/evoclaw/internal/alert"
	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/capability"
	"github.com/clawinfra/evoclaw/internal/clock"
	"github.com/clawinfra/evoclaw/internal/config"
	"github.com/clawinfra/evoclaw/internal/control"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/httpapi"
	"github.com/clawinfra/evoclaw/internal/kv"
	"github.com/clawinfra/evoclaw/internal/mesh"
	"github.com/clawinfra/evoclaw/internal/metrics"
	"github.com/clawinfra/evoclaw/internal/queue"
	"github.com/clawinfra/evoclaw/internal/registry"
	"github.com/clawinfra/evoclaw/internal/runner"
	"github.com/clawinfra/evoclaw/internal/schedule"
	"github.com/clawinfra/evoclaw/internal/supervisor"
)

// Runtime holds every long-lived component for one node. No field is
// global state — everything a handler or subcommand needs is reached
// through this value.
type Runtime struct {
	cfg    *config.Config
	log    *slog.Logger
	Clock  clock.Clock
	Store  kv.KV
	Audit  *audit.Log

	Registry   *registry.Registry
	Capability *capability.Index
	Metrics    *metrics.Metrics
	Bus        *bus.Bus
	Supervisor *supervisor.Supervisor
	Control    control.Contract
	HTTP       *httpapi.Server
	Scheduler  *schedule.Scheduler
	Mesh       *mesh.Bridge

	deadletter queue.DurableQueue
}

// New wires every component in dependency order but starts nothing.
// Call Start to bring the node up.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clk := clock.New()

	store, err := openStore(cfg.Server.KVPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	capIndex := capability.New()
	reg := registry.New(store, clk, registry.WithIndex(capIndex), registry.WithLogger(logger))

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.Dir, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	rt := &Runtime{
		cfg:        cfg,
		log:        logger.With("component", "runtime"),
		Clock:      clk,
		Store:      store,
		Audit:      auditLog,
		Registry:   reg,
		Capability: capIndex,
		Metrics:    m,
	}

	dlq, err := openDeadLetterQueue(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter queue: %w", err)
	}
	rt.deadletter = dlq

	logSink := alert.NewLogSink(logger)

	httpServer := httpapi.NewServer(cfg.Server.Port, nil, m, logger)
	alertSink := alert.NewMultiSink(logSink, httpServer.AlertSink())

	b := bus.New(cfg.Bus.ToBusConfig(), reg, capIndex, clk, m, rt.onDeadLetter, logger)
	rt.Bus = b

	sup := supervisor.New(cfg.Supervisor.ToSupervisorConfig(), reg, b, auditLog, alertSink, m, clk, rt.defaultFactory, logger)
	rt.Supervisor = sup

	svc := control.New(reg, b, sup, auditLog, m, alertSink)
	rt.Control = svc

	// The server was built before svc existed (its AlertSink had to be
	// wired into the supervisor before the first agent starts); bind
	// the contract now that it exists.
	httpServer.SetContract(svc)
	rt.HTTP = httpServer

	executor := schedule.NewContractExecutor(svc, auditLog)
	rt.Scheduler = schedule.NewScheduler(executor, logger)

	if cfg.Mesh.Enabled {
		rt.Mesh = mesh.New(cfg.Mesh, reg, logger)
	}

	return rt, nil
}

// openStore picks kv.Mem for an empty path (the ephemeral default) or
// kv.SQLite otherwise.
func openStore(path string) (kv.KV, error) {
	if path == "" {
		return kv.NewMem(), nil
	}
	return kv.OpenSQLite(path)
}

// openDeadLetterQueue returns nil when durability is off — onDeadLetter
// then simply has nothing to publish to and the bus's own in-memory
// retry/drop behavior is the whole story.
func openDeadLetterQueue(cfg config.BusConfig) (queue.DurableQueue, error) {
	if !cfg.Durable {
		return nil, nil
	}
	if cfg.NATSURL == "" {
		return queue.NewMem(), nil
	}
	return queue.NewNATS(queue.NATSConfig{
		URL:      cfg.NATSURL,
		Stream:   "MAS_DEADLETTER",
		Subjects: []string{deadLetterSubject},
	})
}

const deadLetterSubject = "mas.deadletter"

// onDeadLetter persists d to the durable queue, if one is configured,
// so an operator can replay or inspect messages the bus gave up on
// after a restart. Without a durable queue this is a no-op beyond the
// bus's own dead-letter accounting.
func (rt *Runtime) onDeadLetter(d bus.DeadLetter) {
	if rt.deadletter == nil {
		return
	}
	payload, err := json.Marshal(d)
	if err != nil {
		rt.log.Error("marshal dead letter", "error", err)
		return
	}
	env := queue.Envelope{Subject: deadLetterSubject, Payload: payload}
	if err := rt.deadletter.Publish(context.Background(), env); err != nil {
		rt.log.Error("publish dead letter", "error", err)
	}
}

// defaultFactory starts one agent's runner with an empty handler table;
// a deployment that needs custom per-agent handlers builds its own
// Factory and passes it to supervisor.New directly instead of using
// Runtime.New.
func (rt *Runtime) defaultFactory(ctx context.Context, id string) (supervisor.AgentHandle, error) {
	if _, cerr := rt.Registry.Get(id); cerr != nil {
		return nil, cerr
	}
	rt.Bus.OpenInbox(id, rt.cfg.Bus.DefaultCapacity)

	supCfg := rt.cfg.Supervisor.ToSupervisorConfig()
	r := runner.New(id, rt.Registry, rt.Bus, rt.Audit, rt.Clock, runner.Table{}, runner.Config{
		HandlerTimeout: runner.DefaultConfig().HandlerTimeout,
		DrainDeadline:  supCfg.DrainDeadline,
		AuditBucket:    "global",
		OnOutcome: func(outcome controlapi.HandlerOutcome) {
			rt.Supervisor.RecordOutcome(id, outcome)
		},
	}, rt.log)

	go r.Start(ctx)
	return r, nil
}

// Start brings the HTTP front end, the supervisor's health loop, and
// the scheduler up. LoadRoster should be called (and agents Started)
// before Start if the deployment wants a pre-populated fleet; Start
// itself only begins the background loops.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.Supervisor.Start(ctx)
	rt.Scheduler.Start(ctx)
	if rt.Mesh != nil {
		if err := rt.Mesh.Start(ctx); err != nil {
			return fmt.Errorf("start mesh bridge: %w", err)
		}
	}
	go func() {
		if err := rt.HTTP.Start(ctx); err != nil {
			rt.log.Error("http server exited", "error", err)
		}
	}()
	return nil
}

// Stop shuts every component down in reverse dependency order.
func (rt *Runtime) Stop() {
	if rt.Mesh != nil {
		rt.Mesh.Stop()
	}
	rt.Scheduler.Stop()
	rt.Supervisor.Stop()
	if rt.deadletter != nil {
		if err := rt.deadletter.Close(); err != nil {
			rt.log.Error("close dead-letter queue", "error", err)
		}
	}
}
