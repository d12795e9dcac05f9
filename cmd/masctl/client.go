package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/registry"
)

// client talks to a running masd's Control API over plain HTTP and its
// /control/stream websocket. It never touches substrate state directly —
// every call is the same request any other operator tool could make.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]string
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr["detail"])
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) listAgents(ctx context.Context) ([]registry.Descriptor, error) {
	var agents []registry.Descriptor
	err := c.do(ctx, http.MethodGet, "/control/agents", nil, &agents)
	return agents, err
}

func (c *client) auditTail(ctx context.Context, limit int) ([]audit.Record, error) {
	var records []audit.Record
	path := fmt.Sprintf("/control/audit?limit=%d", limit)
	err := c.do(ctx, http.MethodGet, path, nil, &records)
	return records, err
}

func (c *client) restart(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/control/agents/"+url.PathEscape(id)+"/restart", nil, nil)
}

func (c *client) stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/control/agents/"+url.PathEscape(id)+"/stop", nil, nil)
}

// streamEvent mirrors httpapi's wire shape for /control/stream.
type streamEvent struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// dialStream opens the alert websocket and returns a channel of decoded
// events; the channel closes when the connection drops. One reconnect
// attempt is the caller's responsibility, not this dialer's.
func (c *client) dialStream(ctx context.Context) (<-chan streamEvent, error) {
	wsURL, err := c.streamURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	events := make(chan streamEvent, 32)
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var evt streamEvent
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *client) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/control/stream"
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
