// Package metrics collects the runtime's Prometheus metrics (spec C8).
// Grounded on the r3e-network-service_layer pack's infrastructure/metrics
// package: a struct of CounterVec/HistogramVec/Gauge fields, constructed
// once and registered against a Registry, with thin Record* methods
// hiding label plumbing from callers. Generalized here from HTTP/DB/chain
// metrics to message, agent, and health-check metrics, and bound to a
// private *prometheus.Registry rather than the default global one, so a
// Runtime never touches process-wide state (spec §9: "no ambient
// globals").
package metrics

import (
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the runtime emits.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSentTotal      *prometheus.CounterVec
	MessagesAckedTotal     *prometheus.CounterVec
	MessagesDeliveredTotal *prometheus.CounterVec
	MessagesDeadLetteredTotal *prometheus.CounterVec
	DeliveryLatency       *prometheus.HistogramVec

	InboxDepth *prometheus.GaugeVec

	HandlerInvocationsTotal *prometheus.CounterVec
	HandlerDuration         *prometheus.HistogramVec
	HandlerOutcomesTotal    *prometheus.CounterVec

	AgentsByState *prometheus.GaugeVec
	RestartsTotal *prometheus.CounterVec

	HealthChecksTotal *prometheus.CounterVec
	AuditAppendsTotal prometheus.Counter
}

// New constructs a Metrics bound to a fresh, private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		MessagesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mas_messages_sent_total",
			Help: "Total messages accepted by the bus, by kind and priority.",
		}, []string{"kind", "priority"}),

		MessagesAckedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mas_messages_acked_total",
			Help: "Total ack outcomes recorded by the bus.",
		}, []string{"outcome"}),

		MessagesDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mas_messages_delivered_total",
			Help: "Total messages successfully acked by a recipient.",
		}, []string{"recipient_id"}),

		MessagesDeadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mas_messages_dead_lettered_total",
			Help: "Total messages moved to the dead-letter sink after exhausting retries.",
		}, []string{"recipient_id", "reason"}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mas_message_delivery_latency_seconds",
			Help:    "Time from publish to ack for a message.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"recipient_id"}),

		InboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mas_inbox_depth",
			Help: "Current number of queued, unacked messages per agent inbox.",
		}, []string{"agent_id"}),

		HandlerInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mas_handler_invocations_total",
			Help: "Total agent handler invocations.",
		}, []string{"agent_id"}),

		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mas_handler_duration_seconds",
			Help:    "Agent handler execution duration.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"agent_id"}),

		HandlerOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mas_handler_outcomes_total",
			Help: "Handler outcomes by category.",
		}, []string{"agent_id", "outcome"}),

		AgentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mas_agents_by_state",
			Help: "Current number of registered agents in each lifecycle state.",
		}, []string{"state"}),

		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mas_agent_restarts_total",
			Help: "Total supervisor-initiated agent restarts.",
		}, []string{"agent_id"}),

		HealthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mas_health_checks_total",
			Help: "Total supervisor health checks by resulting severity.",
		}, []string{"severity"}),

		AuditAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mas_audit_appends_total",
			Help: "Total action records appended to the audit log.",
		}),
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesAckedTotal,
		m.MessagesDeliveredTotal,
		m.MessagesDeadLetteredTotal,
		m.DeliveryLatency,
		m.InboxDepth,
		m.HandlerInvocationsTotal,
		m.HandlerDuration,
		m.HandlerOutcomesTotal,
		m.AgentsByState,
		m.RestartsTotal,
		m.HealthChecksTotal,
		m.AuditAppendsTotal,
	)

	return m
}

// Registry exposes the private registry for the httpapi's /metrics
// handler to hand to promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordPublish(kind, priority string) {
	m.MessagesSentTotal.WithLabelValues(kind, priority).Inc()
}

func (m *Metrics) RecordAck(outcome string) {
	m.MessagesAckedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDelivered(recipientID string, latency time.Duration) {
	m.MessagesDeliveredTotal.WithLabelValues(recipientID).Inc()
	m.DeliveryLatency.WithLabelValues(recipientID).Observe(latency.Seconds())
}

func (m *Metrics) RecordDeadLettered(recipientID, reason string) {
	m.MessagesDeadLetteredTotal.WithLabelValues(recipientID, reason).Inc()
}

func (m *Metrics) SetInboxDepth(agentID string, depth int) {
	m.InboxDepth.WithLabelValues(agentID).Set(float64(depth))
}

func (m *Metrics) RecordHandler(agentID string, outcome string, d time.Duration) {
	m.HandlerInvocationsTotal.WithLabelValues(agentID).Inc()
	m.HandlerDuration.WithLabelValues(agentID).Observe(d.Seconds())
	m.HandlerOutcomesTotal.WithLabelValues(agentID, outcome).Inc()
}

func (m *Metrics) SetAgentsByState(counts map[string]int) {
	for state, n := range counts {
		m.AgentsByState.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) RecordRestart(agentID string) {
	m.RestartsTotal.WithLabelValues(agentID).Inc()
}

func (m *Metrics) RecordHealthCheck(severity string) {
	m.HealthChecksTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) RecordAuditAppend() {
	m.AuditAppendsTotal.Inc()
}

// Snapshot is the point-in-time view of the counters the Control API's
// metrics_snapshot() operation returns (spec §4.8/§4.9). It is derived
// by gathering the private registry once rather than exposing raw
// prometheus types across the package boundary.
type Snapshot struct {
	AgentsTotal               int
	AgentsByState             map[string]float64
	MessagesSentTotal         float64
	MessagesAckedTotal        float64
	MessagesDeliveredTotal    float64
	MessagesDeadLetteredTotal float64
	RestartsTotal             float64
	AuditAppendsTotal         float64
}

// Snapshot gathers the registry once and maps the result into Snapshot,
// giving callers a non-torn view without a repeated Gather per field.
func (m *Metrics) Snapshot() (Snapshot, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{AgentsByState: make(map[string]float64)}
	for _, mf := range families {
		switch mf.GetName() {
		case "mas_messages_sent_total":
			snap.MessagesSentTotal = sumCounters(mf)
		case "mas_messages_acked_total":
			snap.MessagesAckedTotal = sumCounters(mf)
		case "mas_messages_delivered_total":
			snap.MessagesDeliveredTotal = sumCounters(mf)
		case "mas_messages_dead_lettered_total":
			snap.MessagesDeadLetteredTotal = sumCounters(mf)
		case "mas_agent_restarts_total":
			snap.RestartsTotal = sumCounters(mf)
		case "mas_audit_appends_total":
			snap.AuditAppendsTotal = sumCounters(mf)
		case "mas_agents_by_state":
			for _, metric := range mf.GetMetric() {
				state := labelValue(metric, "state")
				count := metric.GetGauge().GetValue()
				snap.AgentsByState[state] = count
				snap.AgentsTotal += int(count)
			}
		}
	}
	return snap, nil
}

func sumCounters(mf *dto.MetricFamily) float64 {
	var total float64
	for _, metric := range mf.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
