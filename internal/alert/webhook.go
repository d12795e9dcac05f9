package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookConfig configures a generic JSON webhook sink, grounded on
// ODSapper-CLIAIMONITOR's NotifySlackConfig/NotifyDiscordConfig shape
// (enabled flag, URL, min-severity filter) but aimed at a plain JSON
// endpoint instead of a specific chat provider, since the Control API's
// external alerting contract (spec §6) names no particular vendor.
type WebhookConfig struct {
	Enabled     bool
	URL         string
	MinSeverity Severity
	Timeout     time.Duration
}

// WebhookSink POSTs alerts meeting MinSeverity as JSON to URL.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookSink constructs a sink from cfg, defaulting Timeout to 5s.
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &WebhookSink{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (s *WebhookSink) Send(a Alert) error {
	if !s.cfg.Enabled || a.Severity < s.cfg.MinSeverity {
		return nil
	}

	body, err := json.Marshal(struct {
		Severity  string    `json:"severity"`
		AgentID   string    `json:"agent_id"`
		Reason    string    `json:"reason"`
		Timestamp time.Time `json:"timestamp"`
	}{a.Severity.String(), a.AgentID, a.Reason, a.Timestamp})
	if err != nil {
		return fmt.Errorf("alert: marshal webhook body: %w", err)
	}

	resp, err := s.client.Post(s.cfg.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
