// Package control implements the Control API contract (spec C9): the
// typed operation set an external front-end (the HTTP API, and masctl
// through it, or a test harness) drives the runtime through. Grounded on the teacher's
// internal/api.Server, which aggregates the orchestrator, registry,
// memory store, and router behind one struct built once at startup and
// handed to every HTTP handler — generalized here from "one struct with
// an HTTP layer built in" to a plain Go interface the HTTP layer is
// built on top of, so tests can drive the same contract without going
// through HTTP at all.
package control

import (
	"context"
	"sort"
	"time"

	"github.com/clawinfra/evoclaw/internal/alert"
	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/metrics"
	"github.com/clawinfra/evoclaw/internal/registry"
	"github.com/clawinfra/evoclaw/internal/supervisor"
)

// AuditFilter narrows an audit_query (spec C7/C9). Bucket selects which
// JSONL file to read; the rest are applied in memory after reading it,
// since the audit log itself is a plain append-only sequence with no
// query engine behind it.
type AuditFilter struct {
	Bucket  string
	AgentID string
	Kind    audit.Kind
	Since   time.Time
	Limit   int
}

// Contract is every operation the core exposes to a front-end (spec
// §4.9): register/deregister/get/list against the registry,
// start/stop/restart against the supervisor, send against the bus,
// metrics_snapshot and audit_query for observability. Every method
// returns a controlapi.Result so no error crosses this boundary as a
// raw Go error.
type Contract interface {
	Register(ctx context.Context, d registry.Descriptor) controlapi.Result[registry.Descriptor]
	Deregister(ctx context.Context, id string) controlapi.Result[struct{}]
	Get(id string) controlapi.Result[registry.Descriptor]
	List() controlapi.Result[[]registry.Descriptor]

	Start(ctx context.Context, id string) controlapi.Result[struct{}]
	Stop(ctx context.Context, id string) controlapi.Result[struct{}]
	Restart(ctx context.Context, id string) controlapi.Result[struct{}]

	Send(ctx context.Context, msg bus.Message, enqueueTimeout time.Duration) controlapi.Result[bus.SendReceipt]

	MetricsSnapshot() controlapi.Result[metrics.Snapshot]
	AuditQuery(filter AuditFilter) controlapi.Result[[]audit.Record]
}

// Service is the Contract's concrete implementation: a thin aggregator
// over the core components, holding no state of its own beyond the
// pointers it was constructed with (spec §9 Design Notes: "assemble
// these into a Runtime value constructed once and passed to every
// component; no ambient globals").
type Service struct {
	reg     *registry.Registry
	bus     *bus.Bus
	sup     *supervisor.Supervisor
	audit   *audit.Log
	metrics *metrics.Metrics
	alerts  alert.Sink
}

// New constructs a Service. metrics and alerts may be nil.
func New(reg *registry.Registry, b *bus.Bus, sup *supervisor.Supervisor, auditLog *audit.Log, m *metrics.Metrics, alerts alert.Sink) *Service {
	return &Service{reg: reg, bus: b, sup: sup, audit: auditLog, metrics: m, alerts: alerts}
}

func (s *Service) Register(ctx context.Context, d registry.Descriptor) controlapi.Result[registry.Descriptor] {
	got, cerr := s.reg.Register(ctx, d)
	if cerr != nil {
		return controlapi.Err[registry.Descriptor](cerr)
	}
	return controlapi.Ok(got)
}

func (s *Service) Deregister(ctx context.Context, id string) controlapi.Result[struct{}] {
	if cerr := s.reg.Deregister(ctx, id); cerr != nil {
		return controlapi.Err[struct{}](cerr)
	}
	return controlapi.Ok(struct{}{})
}

func (s *Service) Get(id string) controlapi.Result[registry.Descriptor] {
	d, cerr := s.reg.Get(id)
	if cerr != nil {
		return controlapi.Err[registry.Descriptor](cerr)
	}
	return controlapi.Ok(d)
}

// List returns every descriptor sorted by id, so repeated calls (and
// masctl's refresh loop) see a stable order despite the registry's own
// List not guaranteeing one.
func (s *Service) List() controlapi.Result[[]registry.Descriptor] {
	out := s.reg.List()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return controlapi.Ok(out)
}

func (s *Service) Start(ctx context.Context, id string) controlapi.Result[struct{}] {
	if err := s.sup.StartAgent(ctx, id); err != nil {
		return controlapi.Err[struct{}](asControlError(err))
	}
	return controlapi.Ok(struct{}{})
}

func (s *Service) Stop(ctx context.Context, id string) controlapi.Result[struct{}] {
	if err := s.sup.StopAgent(ctx, id); err != nil {
		return controlapi.Err[struct{}](asControlError(err))
	}
	return controlapi.Ok(struct{}{})
}

// Restart drives stop(id) followed by start(id) (spec §4.9: unchanged
// operation list includes restart alongside start/stop, both driving
// C6). The supervisor itself has no single-call restart path since
// stop and start already fully express the lifecycle transitions
// involved; composing them here keeps that FSM logic in one place.
func (s *Service) Restart(ctx context.Context, id string) controlapi.Result[struct{}] {
	if err := s.sup.StopAgent(ctx, id); err != nil {
		return controlapi.Err[struct{}](asControlError(err))
	}
	if err := s.sup.StartAgent(ctx, id); err != nil {
		return controlapi.Err[struct{}](asControlError(err))
	}
	return controlapi.Ok(struct{}{})
}

func (s *Service) Send(ctx context.Context, msg bus.Message, enqueueTimeout time.Duration) controlapi.Result[bus.SendReceipt] {
	receipt, cerr := s.bus.Send(ctx, msg, enqueueTimeout)
	if cerr != nil {
		return controlapi.Err[bus.SendReceipt](cerr)
	}
	return controlapi.Ok(receipt)
}

func (s *Service) MetricsSnapshot() controlapi.Result[metrics.Snapshot] {
	if s.metrics == nil {
		return controlapi.Err[metrics.Snapshot](controlapi.NewError(controlapi.ErrInternal, "metrics not configured"))
	}
	snap, err := s.metrics.Snapshot()
	if err != nil {
		return controlapi.Err[metrics.Snapshot](controlapi.Wrap(controlapi.ErrInternal, err, "metrics snapshot"))
	}
	return controlapi.Ok(snap)
}

func (s *Service) AuditQuery(filter AuditFilter) controlapi.Result[[]audit.Record] {
	if s.audit == nil {
		return controlapi.Err[[]audit.Record](controlapi.NewError(controlapi.ErrInternal, "audit log not configured"))
	}
	bucket := filter.Bucket
	if bucket == "" {
		bucket = "global"
	}
	records, err := s.audit.Read(bucket)
	if err != nil {
		return controlapi.Err[[]audit.Record](controlapi.Wrap(controlapi.ErrInternal, err, "audit query"))
	}

	filtered := make([]audit.Record, 0, len(records))
	for _, r := range records {
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		filtered = append(filtered, r)
	}
	if filter.Limit > 0 && len(filtered) > filter.Limit {
		filtered = filtered[len(filtered)-filter.Limit:]
	}
	return controlapi.Ok(filtered)
}

// asControlError adapts a plain error (the supervisor's StartAgent/
// StopAgent return a bare `error` since they wrap factory/handle errors
// that aren't always a *controlapi.Error) into the closed taxonomy,
// preserving the original kind when there is one.
func asControlError(err error) *controlapi.Error {
	if err == nil {
		return nil
	}
	if cerr, ok := err.(*controlapi.Error); ok {
		return cerr
	}
	return controlapi.Wrap(controlapi.ErrInternal, err, "supervisor operation failed")
}
