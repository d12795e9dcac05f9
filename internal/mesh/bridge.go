// Package mesh bridges the in-process bus to a remote fleet of agents
// reachable only over MQTT — devices or processes that cannot hold an
// open bus.Inbox because they are not part of this node's process.
// Grounded on the teacher's internal/channels.MQTTChannel: the same
// client-factory/reconnect/QoS-1-publish shape, generalized from a
// fixed edge-agent wire format (EdgeAgentCommand/AgentReport) to
// carrying bus.Message itself, so a remote agent is just another
// recipient of Control.Send rather than a special case.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/config"
	"github.com/clawinfra/evoclaw/internal/registry"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	commandTopicFmt  = "mas/agents/%s/commands"
	reportTopicFmt   = "mas/agents/%s/reports"
	heartbeatPattern = "mas/agents/+/reports"
)

// WireMessage is the JSON envelope published to a command topic: a
// bus.Message flattened to fields a remote (possibly non-Go) agent can
// decode without this module's types.
type WireMessage struct {
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"`
	From          string `json:"from"`
	Kind          string `json:"kind"`
	ContentType   string `json:"content_type"`
	Data          []byte `json:"data"`
	SentAt        int64  `json:"sent_at"`
}

// Report is what a remote agent publishes back: a heartbeat or a
// result/error for a previously sent command.
type Report struct {
	AgentID       string `json:"agent_id"`
	ReportType    string `json:"report_type"` // "heartbeat", "result", "error"
	CorrelationID string `json:"correlation_id,omitempty"`
	Content       string `json:"content,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Bridge connects one node's registry to a remote fleet over MQTT: it
// publishes commands bound for remote agent IDs and turns inbound
// reports into registry heartbeats plus a Reports() feed the caller can
// fold back into the local bus (spec: "bridges Control.send to a
// remote fleet over MQTT ... without being on the hot path of the
// in-process bus" — mesh traffic never touches bus.Bus directly).
type Bridge struct {
	cfg      config.MeshConfig
	reg      *registry.Registry
	log      *slog.Logger
	client   Client
	factory  func(opts *mqtt.ClientOptions) Client
	reports  chan Report
	wg       sync.WaitGroup
}

// New builds a Bridge. reg receives a Heartbeat call for every agent_id
// a heartbeat report names, so remote agents show up in the same
// AgentDescriptor.State machinery as in-process ones.
func New(cfg config.MeshConfig, reg *registry.Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg: cfg,
		reg: reg,
		log: logger.With("component", "mesh"),
		factory: func(opts *mqtt.ClientOptions) Client {
			return &pahoClient{client: mqtt.NewClient(opts)}
		},
		reports: make(chan Report, 256),
	}
}

// Reports returns the channel of decoded inbound reports. Close happens
// when Stop completes.
func (b *Bridge) Reports() <-chan Report { return b.reports }

// Start connects to the configured broker and subscribes to every
// remote agent's report topic. It does not block.
func (b *Bridge) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		b.log.Warn("mesh broker connection lost", "error", err)
	})

	b.client = b.factory(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mesh: connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mesh: connect: %w", err)
	}

	sub := b.client.Subscribe(heartbeatPattern, 1, b.handleReport)
	if !sub.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mesh: subscribe timeout")
	}
	if err := sub.Error(); err != nil {
		return fmt.Errorf("mesh: subscribe %s: %w", heartbeatPattern, err)
	}

	b.log.Info("mesh bridge connected", "broker", b.cfg.Broker)
	return nil
}

// Stop disconnects from the broker and closes the Reports channel.
func (b *Bridge) Stop() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.wg.Wait()
	close(b.reports)
}

// Send publishes msg to the command topic for its recipient, for use
// when Control.Send resolves to an agent id this node has no local
// inbox for — the caller (typically control.Service) decides that by
// checking registry.Get first.
func (b *Bridge) Send(ctx context.Context, msg bus.Message) error {
	if b.client == nil || !b.client.IsConnected() {
		return fmt.Errorf("mesh: not connected")
	}

	wire := WireMessage{
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		From:          msg.From,
		Kind:          string(msg.Kind),
		ContentType:   msg.Payload.ContentType,
		Data:          msg.Payload.Data,
		SentAt:        time.Now().Unix(),
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("mesh: marshal: %w", err)
	}

	topic := fmt.Sprintf(commandTopicFmt, msg.To)
	token := b.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mesh: publish timeout")
	}
	return token.Error()
}

// handleReport decodes one inbound report, applies it to the registry
// when it is a heartbeat, and forwards it on Reports() regardless so
// result/error reports reach whatever is waiting on them.
func (b *Bridge) handleReport(_ mqtt.Client, msg mqtt.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	var r Report
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		b.log.Warn("mesh: malformed report", "error", err, "topic", msg.Topic())
		return
	}
	if r.AgentID == "" {
		r.AgentID = agentIDFromTopic(msg.Topic())
	}
	if r.AgentID == "" {
		return
	}

	if r.ReportType == "heartbeat" {
		if cerr := b.reg.Heartbeat(context.Background(), r.AgentID, 0); cerr != nil {
			b.log.Warn("mesh: heartbeat for unregistered agent", "agent_id", r.AgentID, "error", cerr)
		}
	}

	select {
	case b.reports <- r:
	default:
		b.log.Warn("mesh: reports channel full, dropping", "agent_id", r.AgentID)
	}
}

func agentIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}
