package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/control"
	"github.com/clawinfra/evoclaw/internal/registry"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var d registry.Descriptor
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeResult(w, s.contract.Register(r.Context(), d))
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.contract.Deregister(r.Context(), r.PathValue("id")))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.contract.Get(r.PathValue("id")))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.contract.List())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.contract.Start(r.Context(), r.PathValue("id")))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.contract.Stop(r.Context(), r.PathValue("id")))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.contract.Restart(r.Context(), r.PathValue("id")))
}

// sendRequest is the wire shape for POST /control/messages; it mirrors
// bus.Message but omits the fields the bus itself computes (MessageID,
// EnqueuedAt, Attempts) and takes the enqueue timeout as an integer
// number of milliseconds in enqueue_timeout_ms.
type sendRequest struct {
	From           string        `json:"from"`
	To             string        `json:"to"`
	Kind           bus.Kind      `json:"kind"`
	Payload        bus.Payload   `json:"payload"`
	Priority       bus.Priority  `json:"priority"`
	CorrelationID  string        `json:"correlation_id"`
	DeadlineAt     time.Time     `json:"deadline_at"`
	AckPolicy      bus.AckPolicy `json:"ack_policy"`
	EnqueueTimeout time.Duration `json:"enqueue_timeout_ms"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == "" {
		req.From = bus.ExternalSender
	}
	msg := bus.Message{
		CorrelationID: req.CorrelationID,
		From:          req.From,
		To:            req.To,
		Kind:          req.Kind,
		Payload:       req.Payload,
		Priority:      req.Priority,
		DeadlineAt:    req.DeadlineAt,
		AckPolicy:     req.AckPolicy,
	}
	enqueueTimeout := req.EnqueueTimeout * time.Millisecond
	if enqueueTimeout <= 0 {
		enqueueTimeout = 5 * time.Second
	}

	res := s.contract.Send(r.Context(), msg, enqueueTimeout)
	if !res.IsOk() {
		_, cerr := res.Unwrap()
		writeJSON(w, statusForKind(cerr.Kind), map[string]string{"kind": string(cerr.Kind), "detail": cerr.Detail})
		return
	}
	receipt, _ := res.Unwrap()
	writeJSON(w, http.StatusAccepted, sendResponse{MessageID: receipt.MessageID})
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.contract.MetricsSnapshot())
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := control.AuditFilter{
		Bucket:  q.Get("bucket"),
		AgentID: q.Get("agent_id"),
		Kind:    audit.Kind(q.Get("kind")),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	writeResult(w, s.contract.AuditQuery(filter))
}
