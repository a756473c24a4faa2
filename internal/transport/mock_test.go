package transport_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/chatembed/internal/sse"
	"github.com/koopa0/chatembed/internal/transcript"
	"github.com/koopa0/chatembed/internal/transport"
)

// drain collects a mock stream, failing the test on any stream error.
func drain(t *testing.T, m *transport.Mock, message string) []sse.Event {
	t.Helper()

	var events []sse.Event
	for ev, err := range m.Stream(context.Background(), transport.SendParams{EmbedID: "e", Message: message}) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

// kinds extracts the event type sequence.
func kinds(events []sse.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestMock_GreetingStream(t *testing.T) {
	t.Parallel()

	m := transport.NewMock(transport.MockConfig{NoDelay: true})
	events := drain(t, m, "hello")

	got := kinds(events)
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, "session", got[0])
	assert.Equal(t, "completed", got[len(got)-1])

	// All intermediate events are text; the final say replays the full
	// response wholesale.
	var lastSay sse.Event
	for _, ev := range events {
		if ev.Type == "say" {
			lastSay = ev
		}
	}
	var payload struct {
		Text    string `json:"text"`
		Partial bool   `json:"partial"`
	}
	require.NoError(t, json.Unmarshal(lastSay.Data, &payload))
	assert.Equal(t, "Hello! I'm a demo AI assistant. How can I help you today?", payload.Text)
	assert.False(t, payload.Partial)
}

func TestMock_WeatherStreamEmitsToolCallPair(t *testing.T) {
	t.Parallel()

	m := transport.NewMock(transport.MockConfig{NoDelay: true})
	events := drain(t, m, "what's the weather")

	var toolEvents []sse.Event
	for _, ev := range events {
		if ev.Type == "function_call" {
			toolEvents = append(toolEvents, ev)
		}
	}
	require.Len(t, toolEvents, 2)

	var pending struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(toolEvents[0].Data, &pending))
	assert.Equal(t, "get_weather", pending.Name)
	assert.Equal(t, "pending", pending.Status)

	var completed struct {
		Name   string         `json:"name"`
		Status string         `json:"status"`
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(toolEvents[1].Data, &completed))
	assert.Equal(t, "get_weather", completed.Name)
	assert.Equal(t, "completed", completed.Status)
	assert.NotEmpty(t, completed.Result)
}

func TestMock_SessionEventIsNewOnlyOnce(t *testing.T) {
	t.Parallel()

	m := transport.NewMock(transport.MockConfig{NoDelay: true})

	first := drain(t, m, "hello")
	second := drain(t, m, "hello again")

	var p1, p2 struct {
		SessionID string `json:"session_id"`
		IsNew     bool   `json:"is_new"`
	}
	require.NoError(t, json.Unmarshal(first[0].Data, &p1))
	require.NoError(t, json.Unmarshal(second[0].Data, &p2))

	assert.True(t, p1.IsNew)
	assert.False(t, p2.IsNew)
	assert.Equal(t, p1.SessionID, p2.SessionID)
}

func TestMock_BufferedModeEmitsSingleWholesaleText(t *testing.T) {
	t.Parallel()

	m := transport.NewMock(transport.MockConfig{
		NoDelay:    true,
		StreamMode: transcript.StreamBuffered,
	})
	events := drain(t, m, "hello")

	says := 0
	for _, ev := range events {
		if ev.Type == "say" {
			says++
		}
	}
	assert.Equal(t, 1, says)
}

func TestMock_AppendModeEmitsFragments(t *testing.T) {
	t.Parallel()

	m := transport.NewMock(transport.MockConfig{
		NoDelay:    true,
		StreamMode: transcript.StreamAppend,
	})
	events := drain(t, m, "hello")

	var rebuilt string
	for _, ev := range events {
		if ev.Type != "say" {
			continue
		}
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		rebuilt += payload.Text
	}
	assert.Equal(t, "Hello! I'm a demo AI assistant. How can I help you today?", rebuilt)
}

func TestMock_CustomRulesAndFallback(t *testing.T) {
	t.Parallel()

	m := transport.NewMock(transport.MockConfig{
		NoDelay: true,
		Rules: []transport.Rule{
			{Contains: "ping", Response: "pong"},
			{Response: "fallback answer"},
		},
	})

	pong := drain(t, m, "PING me")
	fallback := drain(t, m, "unmatched")

	assert.Contains(t, allText(t, pong), "pong")
	assert.Contains(t, allText(t, fallback), "fallback answer")
}

func TestMock_ContextCancellationStopsStream(t *testing.T) {
	t.Parallel()

	m := transport.NewMock(transport.MockConfig{}) // Real delays.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var streamErr error
	for _, err := range m.Stream(ctx, transport.SendParams{EmbedID: "e", Message: "hello"}) {
		if err != nil {
			streamErr = err
		}
	}
	require.ErrorIs(t, streamErr, context.Canceled)
}

func TestMock_FetchDeploymentConfig(t *testing.T) {
	t.Parallel()

	m := transport.NewMock(transport.MockConfig{NoDelay: true})
	cfg, err := m.FetchDeploymentConfig(context.Background(), "anything")

	require.NoError(t, err)
	assert.Equal(t, "mock-embed-id", cfg.EmbedID)
	assert.NotEmpty(t, cfg.WelcomeMessage)
}

// allText concatenates every text payload in a stream.
func allText(t *testing.T, events []sse.Event) string {
	t.Helper()

	var out string
	for _, ev := range events {
		if ev.Type != "say" {
			continue
		}
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		out += payload.Text
	}
	return out
}
