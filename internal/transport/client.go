package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/koopa0/chatembed/internal/config"
	"github.com/koopa0/chatembed/internal/log"
	"github.com/koopa0/chatembed/internal/sse"
)

// ErrConfigNotFound indicates the engine has no deployment for the embed id.
// Callers classify this separately from network failures when deciding what
// to present.
var ErrConfigNotFound = errors.New("deployment config not found")

// maxErrorBodyBytes bounds how much of a failed response body is read for
// the error message.
const maxErrorBodyBytes = 4096

// ClientConfig configures the live adapter.
type ClientConfig struct {
	// BaseURL is the engine endpoint, e.g. https://engine.example.com.
	BaseURL string

	// HTTPClient overrides the default client. The default carries no
	// timeout: response bodies stream for the lifetime of a conversation
	// turn, so cancellation is the caller's context, not a deadline.
	HTTPClient *http.Client

	// RequestsPerSecond caps outbound message requests. Zero disables
	// the limiter.
	RequestsPerSecond float64
}

// Client is the live network adapter. It issues the outbound request and
// decodes the chunked response body into events.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  log.Logger
}

// NewClient creates a live adapter for the engine at cfg.BaseURL.
func NewClient(cfg ClientConfig, logger log.Logger) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   httpc,
		limiter: limiter,
		logger:  logger,
	}
}

// messageRequest is the POST /chat/message body.
type messageRequest struct {
	EmbedID   string         `json:"embed_id"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Stream implements Adapter. The response body is closed on every exit path:
// normal completion, decode error, transport error, and early consumer break.
func (c *Client) Stream(ctx context.Context, params SendParams) iter.Seq2[sse.Event, error] {
	return func(yield func(sse.Event, error) bool) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				yield(sse.Event{}, fmt.Errorf("rate limit wait: %w", err))
				return
			}
		}

		body, err := json.Marshal(messageRequest{
			EmbedID:   params.EmbedID,
			Message:   params.Message,
			SessionID: params.SessionID,
			Metadata:  params.Metadata,
		})
		if err != nil {
			yield(sse.Event{}, fmt.Errorf("encode message request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/message", bytes.NewReader(body))
		if err != nil {
			yield(sse.Event{}, fmt.Errorf("build message request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpc.Do(req)
		if err != nil {
			yield(sse.Event{}, fmt.Errorf("send message: %w", err))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			yield(sse.Event{}, fmt.Errorf("send message: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
			return
		}

		c.logger.Debug("message stream opened", "embedId", params.EmbedID, "sessionId", params.SessionID)

		for ev, err := range sse.Events(resp.Body) {
			if !yield(ev, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// FetchDeploymentConfig implements Adapter via GET /chat/config/{embedId}.
func (c *Client) FetchDeploymentConfig(ctx context.Context, embedID string) (config.DeploymentConfig, error) {
	var out config.DeploymentConfig

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chat/config/"+embedID, nil)
	if err != nil {
		return out, fmt.Errorf("build config request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return out, fmt.Errorf("fetch deployment config: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return out, fmt.Errorf("fetch deployment config for %q: %w", embedID, ErrConfigNotFound)
	case resp.StatusCode != http.StatusOK:
		return out, fmt.Errorf("fetch deployment config: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode deployment config: %w", err)
	}
	return out, nil
}

var _ Adapter = (*Client)(nil)
