// Package bridge forwards session change events to an external websocket
// relay over HTTP. Delivery is best effort: failures are logged and counted,
// never surfaced to the write path.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

const requestTimeout = 2 * time.Second

// Client posts change events to the relay's /broadcast endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New builds a bridge client for the given relay base URL, e.g.
// "http://127.0.0.1:8700". An empty baseURL returns nil: no bridge.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.With("component", "bridge"),
	}
}

// Broadcast posts one envelope to the relay. Errors are swallowed after
// logging; the caller's write has already committed.
func (c *Client) Broadcast(ctx context.Context, sessionID string, env protocol.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn("failed to encode broadcast event", "session_id", sessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/broadcast/%s", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn("failed to build broadcast request", "session_id", sessionID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn("broadcast delivery failed", "session_id", sessionID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.failed.Add(1)
		c.logger.Warn("broadcast rejected by relay", "session_id", sessionID, "status", resp.StatusCode)
		return
	}
	c.sent.Add(1)
}

// Stats returns delivered and failed broadcast counts.
func (c *Client) Stats() (sent, failed uint64) {
	return c.sent.Load(), c.failed.Load()
}
