package control

import (
	"context"
	"testing"
	"time"

	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/capability"
	"github.com/clawinfra/evoclaw/internal/clock"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/kv"
	"github.com/clawinfra/evoclaw/internal/metrics"
	"github.com/clawinfra/evoclaw/internal/registry"
	"github.com/clawinfra/evoclaw/internal/supervisor"
)

type fakeHandle struct{}

func (fakeHandle) Stop() {}

func newService(t *testing.T) *Service {
	t.Helper()
	idx := capability.New()
	clk := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(kv.NewMem(), clk, registry.WithIndex(idx))
	b := bus.New(bus.DefaultConfig(), reg, idx, clk, nil, nil, nil)
	sup := supervisor.New(supervisor.DefaultConfig(), reg, b, nil, nil, nil, clk,
		func(ctx context.Context, id string) (supervisor.AgentHandle, error) { return fakeHandle{}, nil }, nil)
	m := metrics.New()
	return New(reg, b, sup, nil, m, nil)
}

func TestRegisterGetListRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	res := svc.Register(ctx, registry.Descriptor{ID: "a1"})
	if !res.IsOk() {
		_, cerr := res.Unwrap()
		t.Fatalf("register failed: %v", cerr)
	}

	got := svc.Get("a1")
	if !got.IsOk() {
		t.Fatal("expected Get to find a1")
	}

	list := svc.List()
	agents, _ := list.Unwrap()
	if len(agents) != 1 || agents[0].ID != "a1" {
		t.Fatalf("expected list of [a1], got %+v", agents)
	}
}

func TestGetUnknownAgentReturnsNoSuchAgent(t *testing.T) {
	svc := newService(t)
	res := svc.Get("ghost")
	if res.IsOk() {
		t.Fatal("expected error for unknown agent")
	}
	_, cerr := res.Unwrap()
	if cerr.Kind != controlapi.ErrNoSuchAgent {
		t.Fatalf("expected ErrNoSuchAgent, got %s", cerr.Kind)
	}
}

func TestStartStopRestartDriveSupervisor(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	svc.Register(ctx, registry.Descriptor{ID: "a1"})
	svc.bus.OpenInbox("a1", 10)

	if res := svc.Start(ctx, "a1"); !res.IsOk() {
		_, cerr := res.Unwrap()
		t.Fatalf("start failed: %v", cerr)
	}
	d, _ := svc.Get("a1").Unwrap()
	if d.State != registry.StateRunning {
		t.Fatalf("expected Running after start, got %s", d.State)
	}

	if res := svc.Stop(ctx, "a1"); !res.IsOk() {
		_, cerr := res.Unwrap()
		t.Fatalf("stop failed: %v", cerr)
	}
	d, _ = svc.Get("a1").Unwrap()
	if d.State != registry.StateStopped {
		t.Fatalf("expected Stopped after stop, got %s", d.State)
	}
}

func TestSendDeliversToOpenInbox(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	svc.Register(ctx, registry.Descriptor{ID: "a1"})
	svc.bus.OpenInbox("a1", 10)

	res := svc.Send(ctx, bus.Message{From: "external", To: "a1", Kind: bus.KindEvent, AckPolicy: bus.AckFireAndForget}, time.Second)
	if !res.IsOk() {
		_, cerr := res.Unwrap()
		t.Fatalf("send failed: %v", cerr)
	}
}

func TestMetricsSnapshotReturnsOk(t *testing.T) {
	svc := newService(t)
	res := svc.MetricsSnapshot()
	if !res.IsOk() {
		_, cerr := res.Unwrap()
		t.Fatalf("expected metrics snapshot to succeed, got %v", cerr)
	}
}

func TestAuditQueryWithoutLogReturnsInternalError(t *testing.T) {
	svc := newService(t)
	res := svc.AuditQuery(AuditFilter{})
	if res.IsOk() {
		t.Fatal("expected error when audit log is not configured")
	}
	_, cerr := res.Unwrap()
	if cerr.Kind != controlapi.ErrInternal {
		t.Fatalf("expected ErrInternal, got %s", cerr.Kind)
	}
}
