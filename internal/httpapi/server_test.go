package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/control"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/metrics"
	"github.com/clawinfra/evoclaw/internal/registry"
)

// fakeContract is a hand-rolled control.Contract double, avoiding the
// weight of wiring a real registry/bus/supervisor for handler-level
// routing tests.
type fakeContract struct {
	agents map[string]registry.Descriptor
}

func newFakeContract() *fakeContract {
	return &fakeContract{agents: make(map[string]registry.Descriptor)}
}

func (f *fakeContract) Register(ctx context.Context, d registry.Descriptor) controlapi.Result[registry.Descriptor] {
	if _, exists := f.agents[d.ID]; exists {
		return controlapi.Err[registry.Descriptor](controlapi.NewError(controlapi.ErrDuplicateName, "agent %q already registered", d.ID))
	}
	f.agents[d.ID] = d
	return controlapi.Ok(d)
}

func (f *fakeContract) Deregister(ctx context.Context, id string) controlapi.Result[struct{}] {
	if _, ok := f.agents[id]; !ok {
		return controlapi.Err[struct{}](controlapi.NewError(controlapi.ErrNoSuchAgent, "no agent %q", id))
	}
	delete(f.agents, id)
	return controlapi.Ok(struct{}{})
}

func (f *fakeContract) Get(id string) controlapi.Result[registry.Descriptor] {
	d, ok := f.agents[id]
	if !ok {
		return controlapi.Err[registry.Descriptor](controlapi.NewError(controlapi.ErrNoSuchAgent, "no agent %q", id))
	}
	return controlapi.Ok(d)
}

func (f *fakeContract) List() controlapi.Result[[]registry.Descriptor] {
	out := make([]registry.Descriptor, 0, len(f.agents))
	for _, d := range f.agents {
		out = append(out, d)
	}
	return controlapi.Ok(out)
}

func (f *fakeContract) Start(ctx context.Context, id string) controlapi.Result[struct{}] {
	if _, ok := f.agents[id]; !ok {
		return controlapi.Err[struct{}](controlapi.NewError(controlapi.ErrNoSuchAgent, "no agent %q", id))
	}
	return controlapi.Ok(struct{}{})
}

func (f *fakeContract) Stop(ctx context.Context, id string) controlapi.Result[struct{}] {
	return f.Start(ctx, id)
}

func (f *fakeContract) Restart(ctx context.Context, id string) controlapi.Result[struct{}] {
	return f.Start(ctx, id)
}

func (f *fakeContract) Send(ctx context.Context, msg bus.Message, enqueueTimeout time.Duration) controlapi.Result[bus.SendReceipt] {
	if _, ok := f.agents[msg.To]; !ok {
		return controlapi.Err[bus.SendReceipt](controlapi.NewError(controlapi.ErrNoSuchRecipient, "no agent %q", msg.To))
	}
	return controlapi.Ok(bus.SendReceipt{MessageID: "m-1"})
}

func (f *fakeContract) MetricsSnapshot() controlapi.Result[metrics.Snapshot] {
	return controlapi.Ok(metrics.Snapshot{AgentsTotal: len(f.agents), AgentsByState: map[string]float64{}})
}

func (f *fakeContract) AuditQuery(filter control.AuditFilter) controlapi.Result[[]audit.Record] {
	return controlapi.Ok([]audit.Record{})
}

func newTestServer() (*Server, *fakeContract) {
	fc := newFakeContract()
	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	s := NewServer(0, fc, nil, logger)
	return s, fc
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRegisterAndGetRoundTrip(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()

	w := doRequest(t, h, http.MethodPost, "/control/agents", registry.Descriptor{ID: "a1", Name: "one"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, h, http.MethodGet, "/control/agents/a1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got registry.Descriptor
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "a1" {
		t.Fatalf("expected id a1, got %q", got.ID)
	}
}

func TestGetUnknownAgentReturns404(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()

	w := doRequest(t, h, http.MethodGet, "/control/agents/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDuplicateRegisterReturns409(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()

	doRequest(t, h, http.MethodPost, "/control/agents", registry.Descriptor{ID: "a1"})
	w := doRequest(t, h, http.MethodPost, "/control/agents", registry.Descriptor{ID: "a1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestSendToUnknownRecipientReturns404(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()

	w := doRequest(t, h, http.MethodPost, "/control/messages", sendRequest{To: "ghost", Kind: bus.KindEvent})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSendToKnownRecipientReturns202(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()

	doRequest(t, h, http.MethodPost, "/control/agents", registry.Descriptor{ID: "a1"})
	w := doRequest(t, h, http.MethodPost, "/control/messages", sendRequest{To: "a1", Kind: bus.KindEvent})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()

	w := doRequest(t, h, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetricsSnapshotEndpoint(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()

	doRequest(t, h, http.MethodPost, "/control/agents", registry.Descriptor{ID: "a1"})
	w := doRequest(t, h, http.MethodGet, "/control/metrics-snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.AgentsTotal != 1 {
		t.Fatalf("expected 1 agent, got %d", snap.AgentsTotal)
	}
}
