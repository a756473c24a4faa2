package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/chatembed/internal/config"
	"github.com/koopa0/chatembed/internal/sse"
	"github.com/koopa0/chatembed/internal/transcript"
)

// RuleToolCall is one simulated tool invocation attached to a mock rule: a
// pending announcement followed by a completed result.
type RuleToolCall struct {
	Name      string
	Arguments map[string]any
	Result    any
}

// Rule maps an inbound message to a canned response. Pattern wins over
// Contains when both are set; Contains matches case-insensitively.
type Rule struct {
	Pattern   *regexp.Regexp
	Contains  string
	Response  string
	Delay     time.Duration
	ToolCalls []RuleToolCall
}

// DefaultRules is the stock rule set: a greeting, a weather question that
// exercises the tool-call path, help, pricing, and a catch-all fallback.
// The catch-all must stay last; Mock falls back to the final rule when
// nothing matches.
var DefaultRules = []Rule{
	{
		Pattern:  regexp.MustCompile(`(?i)hello|hi|hey`),
		Response: "Hello! I'm a demo AI assistant. How can I help you today?",
		Delay:    500 * time.Millisecond,
	},
	{
		Pattern:  regexp.MustCompile(`(?i)weather`),
		Response: "I'd check the weather for you, but I'm in mock mode! In production, I could use a weather API.",
		Delay:    800 * time.Millisecond,
		ToolCalls: []RuleToolCall{
			{
				Name:      "get_weather",
				Arguments: map[string]any{"location": "San Francisco"},
				Result:    map[string]any{"temperature": 72, "condition": "sunny"},
			},
		},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)help|support`),
		Response: "I'm here to help! You can ask me questions, and I'll do my best to assist you.",
		Delay:    600 * time.Millisecond,
	},
	{
		Pattern:  regexp.MustCompile(`(?i)pricing|cost|price`),
		Response: "For pricing information, I'd typically check our database or connect you with the sales team.",
		Delay:    700 * time.Millisecond,
		ToolCalls: []RuleToolCall{
			{
				Name:      "lookup_pricing",
				Arguments: map[string]any{"plan": "all"},
				Result: map[string]any{"plans": []map[string]any{
					{"name": "Starter", "price": "$29/mo"},
					{"name": "Pro", "price": "$99/mo"},
				}},
			},
		},
	},
	{
		Response: "I'm running in mock mode. This is a simulated response to demonstrate the chat engine.",
		Delay:    time.Second,
	},
}

// DefaultMockDeployment is the deployment config served by the mock.
var DefaultMockDeployment = config.DeploymentConfig{
	EmbedID:        "mock-embed-id",
	DeploymentID:   "mock-deployment-id",
	WorkerID:       "mock-worker-id",
	FlowID:         "mock-flow-id",
	WelcomeMessage: "Hello! How can I help you today?",
	AgentName:      "AI Assistant",
	PrimaryColor:   "#6366f1",
}

// Mock timing constants, chosen to feel like a real engine.
const (
	mockConfigDelay      = 300 * time.Millisecond
	mockToolPendingDelay = 300 * time.Millisecond
	mockToolResultDelay  = 200 * time.Millisecond
	mockWordDelayBase    = 30 * time.Millisecond
	mockWordDelayJitter  = 40 * time.Millisecond
)

// MockConfig configures the deterministic mock adapter.
type MockConfig struct {
	// Rules replaces DefaultRules when non-empty.
	Rules []Rule

	// Deployment replaces DefaultMockDeployment when non-zero EmbedID.
	Deployment config.DeploymentConfig

	// StreamMode must match the interpreter's configured mode; it controls
	// whether text is emitted word by word (replace/append) or as a single
	// wholesale event (buffered).
	StreamMode transcript.StreamMode

	// NoDelay disables all pacing. For tests.
	NoDelay bool
}

// Mock synthesizes protocol-indistinguishable event streams from canned
// rules, so UI code, tests and consumers never branch on mode.
type Mock struct {
	cfg       MockConfig
	sessionID string
	started   bool
}

// NewMock creates a mock adapter.
func NewMock(cfg MockConfig) *Mock {
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules
	}
	if cfg.Deployment.EmbedID == "" {
		cfg.Deployment = DefaultMockDeployment
	}
	if cfg.StreamMode == "" {
		cfg.StreamMode = transcript.StreamReplace
	}
	return &Mock{
		cfg:       cfg,
		sessionID: "mock-" + uuid.NewString(),
	}
}

// FetchDeploymentConfig implements Adapter with a simulated network delay.
func (m *Mock) FetchDeploymentConfig(ctx context.Context, _ string) (config.DeploymentConfig, error) {
	if err := m.sleep(ctx, mockConfigDelay); err != nil {
		return config.DeploymentConfig{}, err
	}
	return m.cfg.Deployment, nil
}

// Stream implements Adapter. The emitted vocabulary and sequencing mirror the
// live engine: session info, optional tool-call pending/completed pairs, text
// (paced per stream mode), then completion.
func (m *Mock) Stream(ctx context.Context, params SendParams) iter.Seq2[sse.Event, error] {
	return func(yield func(sse.Event, error) bool) {
		rule := m.match(params.Message)

		emit := func(kind string, payload any) bool {
			ev, err := makeEvent(kind, payload)
			if err != nil {
				return yield(sse.Event{}, err)
			}
			return yield(ev, nil)
		}

		isNew := !m.started
		m.started = true
		if !emit("session", map[string]any{"session_id": m.sessionID, "is_new": isNew}) {
			return
		}

		if err := m.sleep(ctx, rule.Delay); err != nil {
			yield(sse.Event{}, err)
			return
		}

		for _, tc := range rule.ToolCalls {
			if !emit("function_call", map[string]any{
				"name":      tc.Name,
				"arguments": tc.Arguments,
				"status":    "pending",
			}) {
				return
			}
			if err := m.sleep(ctx, mockToolPendingDelay); err != nil {
				yield(sse.Event{}, err)
				return
			}
			if !emit("function_call", map[string]any{
				"name":   tc.Name,
				"result": tc.Result,
				"status": "completed",
			}) {
				return
			}
			if err := m.sleep(ctx, mockToolResultDelay); err != nil {
				yield(sse.Event{}, err)
				return
			}
		}

		if m.cfg.StreamMode == transcript.StreamBuffered {
			if !emit("say", map[string]any{"text": rule.Response, "partial": false}) {
				return
			}
		} else {
			words := strings.Fields(rule.Response)
			accumulated := ""
			for _, word := range words {
				fragment := word
				if accumulated != "" {
					fragment = " " + word
				}
				accumulated += fragment

				text := accumulated
				if m.cfg.StreamMode == transcript.StreamAppend {
					text = fragment
				}
				if !emit("say", map[string]any{"text": text, "partial": true}) {
					return
				}
				jitter := time.Duration(rand.Int64N(int64(mockWordDelayJitter)))
				if err := m.sleep(ctx, mockWordDelayBase+jitter); err != nil {
					yield(sse.Event{}, err)
					return
				}
			}
			// Final wholesale replay, as the legacy engine sends it. Harmless
			// in append mode too: the interpreter drops a stale replay.
			if m.cfg.StreamMode == transcript.StreamReplace {
				if !emit("say", map[string]any{"text": rule.Response, "partial": false}) {
					return
				}
			}
		}

		emit("completed", map[string]any{})
	}
}

// match selects the first matching rule, falling back to the last.
func (m *Mock) match(message string) Rule {
	lower := strings.ToLower(message)
	for _, r := range m.cfg.Rules {
		switch {
		case r.Pattern != nil && r.Pattern.MatchString(message):
			return r
		case r.Contains != "" && strings.Contains(lower, strings.ToLower(r.Contains)):
			return r
		}
	}
	return m.cfg.Rules[len(m.cfg.Rules)-1]
}

// sleep waits for d or until ctx is cancelled.
func (m *Mock) sleep(ctx context.Context, d time.Duration) error {
	if m.cfg.NoDelay || d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// makeEvent builds a timestamped wire event.
func makeEvent(kind string, payload any) (sse.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return sse.Event{}, fmt.Errorf("encode mock event: %w", err)
	}
	return sse.Event{Type: kind, Data: data, Timestamp: time.Now().UnixMilli()}, nil
}

var _ Adapter = (*Mock)(nil)
