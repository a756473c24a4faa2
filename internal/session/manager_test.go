package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/chatembed/internal/config"
	"github.com/koopa0/chatembed/internal/log"
	"github.com/koopa0/chatembed/internal/session"
	"github.com/koopa0/chatembed/internal/sse"
	"github.com/koopa0/chatembed/internal/store"
	"github.com/koopa0/chatembed/internal/transcript"
	"github.com/koopa0/chatembed/internal/transport"
)

var testDeployment = config.DeploymentConfig{
	EmbedID:      "embed-test",
	DeploymentID: "dep-1",
	WorkerID:     "worker-1",
	FlowID:       "flow-1",
}

// scriptedAdapter replays a fixed event sequence, optionally blocking
// mid-stream (late events follow the block), optionally ending with a
// transport error.
type scriptedAdapter struct {
	events []sse.Event
	late   []sse.Event
	err    error
	block  chan struct{}
}

func (a *scriptedAdapter) Stream(_ context.Context, _ transport.SendParams) iter.Seq2[sse.Event, error] {
	return func(yield func(sse.Event, error) bool) {
		for _, ev := range a.events {
			if !yield(ev, nil) {
				return
			}
		}
		if a.block != nil {
			<-a.block
		}
		for _, ev := range a.late {
			if !yield(ev, nil) {
				return
			}
		}
		if a.err != nil {
			yield(sse.Event{}, a.err)
		}
	}
}

func (a *scriptedAdapter) FetchDeploymentConfig(context.Context, string) (config.DeploymentConfig, error) {
	return testDeployment, nil
}

func event(t *testing.T, kind string, payload any) sse.Event {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return sse.Event{Type: kind, Data: data, Timestamp: time.Now().UnixMilli()}
}

func newMockManager(st store.Store, cb session.Callbacks) *session.Manager {
	return session.NewManager(session.Options{
		Deployment: testDeployment,
		Adapter:    transport.NewMock(transport.MockConfig{NoDelay: true}),
		Store:      st,
		Callbacks:  cb,
	}, log.NewNop())
}

func TestManager_GreetingExchange(t *testing.T) {
	t.Parallel()

	var starts int
	var userMessages []transcript.Message
	m := newMockManager(store.NewMemoryStore(), session.Callbacks{
		OnSessionStart: func(string) { starts++ },
		OnMessage:      func(msg transcript.Message) { userMessages = append(userMessages, msg) },
	})

	require.NoError(t, m.Send(context.Background(), "hello"))

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, transcript.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, transcript.StatusSent, msgs[0].Status)
	assert.Equal(t, transcript.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello! I'm a demo AI assistant. How can I help you today?", msgs[1].Content)
	assert.Equal(t, transcript.StatusSent, msgs[1].Status)

	assert.False(t, m.IsLoading())
	assert.NotEmpty(t, m.SessionID())
	assert.Equal(t, 1, starts)
	require.Len(t, userMessages, 1)
	assert.Equal(t, msgs[0].ID, userMessages[0].ID)
}

func TestManager_WeatherExchangeRecordsToolCall(t *testing.T) {
	t.Parallel()

	m := newMockManager(store.NewMemoryStore(), session.Callbacks{})
	require.NoError(t, m.Send(context.Background(), "what's the weather"))

	calls := m.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, transcript.ToolCallCompleted, calls[0].Status)
	assert.NotEmpty(t, calls[0].Result)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.NotEmpty(t, msgs[1].Content)
	assert.Equal(t, transcript.StatusSent, msgs[1].Status)
}

func TestManager_SessionStartFiresOnceAcrossExchanges(t *testing.T) {
	t.Parallel()

	var starts int
	m := newMockManager(store.NewMemoryStore(), session.Callbacks{
		OnSessionStart: func(string) { starts++ },
	})

	require.NoError(t, m.Send(context.Background(), "hello"))
	require.NoError(t, m.Send(context.Background(), "hello again"))

	assert.Equal(t, 1, starts)
	assert.Len(t, m.Messages(), 4)
}

func TestManager_BlankMessageIsNoOp(t *testing.T) {
	t.Parallel()

	m := newMockManager(store.NewMemoryStore(), session.Callbacks{})

	require.NoError(t, m.Send(context.Background(), "   \n\t"))
	assert.Empty(t, m.Messages())
	assert.False(t, m.IsLoading())
}

func TestManager_BusyGate(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{
		events: []sse.Event{event(t, "say", map[string]any{"text": "thinking"})},
		block:  make(chan struct{}),
	}
	m := session.NewManager(session.Options{
		Deployment: testDeployment,
		Adapter:    adapter,
		Store:      store.NewMemoryStore(),
	}, log.NewNop())

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "first") }()

	require.Eventually(t, m.IsLoading, time.Second, time.Millisecond)
	require.ErrorIs(t, m.Send(context.Background(), "second"), session.ErrBusy)

	close(adapter.block)
	require.NoError(t, <-done)
	assert.False(t, m.IsLoading())
}

func TestManager_TransportErrorContained(t *testing.T) {
	t.Parallel()

	transportErr := errors.New("connection reset")
	adapter := &scriptedAdapter{
		events: []sse.Event{event(t, "say", map[string]any{"text": "partial answer"})},
		err:    transportErr,
	}

	var reported []error
	m := session.NewManager(session.Options{
		Deployment: testDeployment,
		Adapter:    adapter,
		Store:      store.NewMemoryStore(),
		Callbacks: session.Callbacks{
			OnError: func(err error) { reported = append(reported, err) },
		},
	}, log.NewNop())

	err := m.Send(context.Background(), "hi")
	require.ErrorIs(t, err, transportErr)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, transcript.StatusError, msgs[1].Status)
	assert.Equal(t, "Failed to get response", msgs[1].Content)

	require.Len(t, reported, 1)
	assert.ErrorIs(t, m.Err(), transportErr)
	assert.False(t, m.IsLoading())

	// A failed exchange leaves the manager usable: the next send is accepted
	// rather than rejected as busy. This adapter fails every time.
	require.ErrorIs(t, m.Send(context.Background(), "retry"), transportErr)
	assert.Len(t, m.Messages(), 4)
}

func TestManager_TransportErrorAfterUtteranceSplit(t *testing.T) {
	t.Parallel()

	transportErr := errors.New("connection reset")
	// Two unrelated wholesale texts split the response into two messages;
	// the failure must land on the second (still streaming) one.
	adapter := &scriptedAdapter{
		events: []sse.Event{
			event(t, "message", map[string]any{"content": "x"}),
			event(t, "message", map[string]any{"content": "y"}),
		},
		err: transportErr,
	}
	st := store.NewMemoryStore()
	m := session.NewManager(session.Options{
		Deployment: testDeployment,
		Adapter:    adapter,
		Store:      st,
	}, log.NewNop())

	require.ErrorIs(t, m.Send(context.Background(), "hi"), transportErr)

	msgs := m.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "x", msgs[1].Content, "finalized split message must stay intact")
	assert.Equal(t, transcript.StatusSent, msgs[1].Status)
	assert.Equal(t, "Failed to get response", msgs[2].Content)
	assert.Equal(t, transcript.StatusError, msgs[2].Status)

	// Nothing is left streaming, in memory or in the persisted snapshot.
	snap, err := st.Load(context.Background(), testDeployment.EmbedID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	for _, msg := range snap.Messages {
		assert.NotEqual(t, transcript.StatusStreaming, msg.Status)
	}
}

func TestManager_EndWhileExchangeInFlight(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{
		events: []sse.Event{event(t, "say", map[string]any{"text": "thinking"})},
		block:  make(chan struct{}),
	}
	m := session.NewManager(session.Options{
		Deployment: testDeployment,
		Adapter:    adapter,
		Store:      store.NewMemoryStore(),
	}, log.NewNop())

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "hello") }()

	require.Eventually(t, m.IsLoading, time.Second, time.Millisecond)
	require.ErrorIs(t, m.End(context.Background()), session.ErrBusy)

	close(adapter.block)
	require.NoError(t, <-done)

	// Once the exchange finishes the session can end normally.
	require.NoError(t, m.End(context.Background()))
	assert.Empty(t, m.Messages())
}

func TestManager_CloseMidStreamDropsLateEvents(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{
		events: []sse.Event{event(t, "say", map[string]any{"text": "before"})},
		late:   []sse.Event{event(t, "say", map[string]any{"text": "before and after"})},
		block:  make(chan struct{}),
	}
	m := session.NewManager(session.Options{
		Deployment: testDeployment,
		Adapter:    adapter,
		Store:      store.NewMemoryStore(),
	}, log.NewNop())

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "hello") }()

	require.Eventually(t, m.IsLoading, time.Second, time.Millisecond)
	require.NoError(t, m.Close())
	close(adapter.block)

	require.ErrorIs(t, <-done, session.ErrClosed)
	assert.False(t, m.IsLoading())
	assert.Equal(t, "before", m.Messages()[1].Content, "no mutation after teardown")
}

func TestManager_RestoreActiveSession(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	stored := transcript.Session{
		SessionID: "sess-42",
		StartTime: time.Now().UnixMilli(),
		Messages: []transcript.Message{
			{ID: "user-1", Role: transcript.RoleUser, Content: "hi", Status: transcript.StatusSent},
			{ID: "assistant-1", Role: transcript.RoleAssistant, Content: "hello", Status: transcript.StatusSent},
		},
		Status: transcript.SessionActive,
	}
	require.NoError(t, st.Save(context.Background(), testDeployment.EmbedID, &stored))

	m := newMockManager(st, session.Callbacks{})
	require.True(t, m.Restore(context.Background()))

	assert.Equal(t, "sess-42", m.SessionID())
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestManager_CompletedSessionNotRestored(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	stored := transcript.Session{
		SessionID: "sess-done",
		Messages: []transcript.Message{
			{ID: "user-1", Role: transcript.RoleUser, Content: "bye", Status: transcript.StatusSent},
		},
		Status: transcript.SessionCompleted,
	}
	require.NoError(t, st.Save(context.Background(), testDeployment.EmbedID, &stored))

	m := newMockManager(st, session.Callbacks{})
	require.False(t, m.Restore(context.Background()))

	assert.Empty(t, m.SessionID())
	assert.Empty(t, m.Messages())
}

func TestManager_RestoreSynthesizesWelcome(t *testing.T) {
	t.Parallel()

	deployment := testDeployment
	deployment.WelcomeMessage = "Hi! How can I help?"

	var welcomed []transcript.Message
	m := session.NewManager(session.Options{
		Deployment:        deployment,
		Adapter:           transport.NewMock(transport.MockConfig{NoDelay: true}),
		Store:             store.NewMemoryStore(),
		SynthesizeWelcome: true,
		Callbacks: session.Callbacks{
			OnMessage: func(msg transcript.Message) { welcomed = append(welcomed, msg) },
		},
	}, log.NewNop())

	require.False(t, m.Restore(context.Background()))

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, transcript.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hi! How can I help?", msgs[0].Content)
	assert.Equal(t, transcript.StatusSent, msgs[0].Status)
	require.Len(t, welcomed, 1)
}

func TestManager_ExchangePersistsSnapshot(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	m := newMockManager(st, session.Callbacks{})
	require.NoError(t, m.Send(context.Background(), "hello"))

	snap, err := st.Load(context.Background(), testDeployment.EmbedID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, m.SessionID(), snap.SessionID)
	assert.Len(t, snap.Messages, 2)
	// The mock ends each conversation explicitly, so the stored status is
	// completed and a reload starts fresh.
	assert.Equal(t, transcript.SessionCompleted, snap.Status)
}

func TestManager_EndClearsStateAndStorage(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	var ended []transcript.Session
	m := newMockManager(st, session.Callbacks{
		OnSessionEnd: func(sess transcript.Session) { ended = append(ended, sess) },
	})

	require.NoError(t, m.Send(context.Background(), "hello"))
	require.NoError(t, m.End(context.Background()))

	require.Len(t, ended, 1)
	assert.Equal(t, transcript.SessionCompleted, ended[0].Status)
	assert.Len(t, ended[0].Messages, 2)

	snap, err := st.Load(context.Background(), testDeployment.EmbedID)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Empty(t, m.Messages())
	assert.Empty(t, m.SessionID())
}

func TestManager_EndWithoutSessionIsNoOp(t *testing.T) {
	t.Parallel()

	var ended int
	m := newMockManager(store.NewMemoryStore(), session.Callbacks{
		OnSessionEnd: func(transcript.Session) { ended++ },
	})

	require.NoError(t, m.End(context.Background()))
	assert.Zero(t, ended)
}

func TestManager_StartNewWithClientSessionIDs(t *testing.T) {
	t.Parallel()

	var starts []string
	m := session.NewManager(session.Options{
		Deployment:       testDeployment,
		Adapter:          transport.NewMock(transport.MockConfig{NoDelay: true}),
		Store:            store.NewMemoryStore(),
		ClientSessionIDs: true,
		Callbacks: session.Callbacks{
			OnSessionStart: func(id string) { starts = append(starts, id) },
		},
	}, log.NewNop())

	id, err := m.StartNew(context.Background())
	require.NoError(t, err)
	assert.True(t, len(id) > 3 && id[:3] == "bb-")
	assert.Equal(t, id, m.SessionID())
	assert.Equal(t, []string{id}, starts)
}

func TestManager_StartNewDiscardsPreviousConversation(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	m := newMockManager(st, session.Callbacks{})
	require.NoError(t, m.Send(context.Background(), "hello"))
	require.NotEmpty(t, m.Messages())

	_, err := m.StartNew(context.Background())
	require.NoError(t, err)

	assert.Empty(t, m.Messages())
	assert.Empty(t, m.SessionID())
	snap, err := st.Load(context.Background(), testDeployment.EmbedID)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestManager_SendAfterClose(t *testing.T) {
	t.Parallel()

	m := newMockManager(store.NewMemoryStore(), session.Callbacks{})
	require.NoError(t, m.Close())

	require.ErrorIs(t, m.Send(context.Background(), "hello"), session.ErrClosed)
	_, err := m.StartNew(context.Background())
	require.ErrorIs(t, err, session.ErrClosed)
	require.ErrorIs(t, m.End(context.Background()), session.ErrClosed)
}

func TestManager_StreamWithoutDoneFinalizesMessage(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{events: []sse.Event{
		event(t, "session", map[string]any{"session_id": "s1", "is_new": true}),
		event(t, "say", map[string]any{"text": "partial", "partial": true}),
	}}
	m := session.NewManager(session.Options{
		Deployment: testDeployment,
		Adapter:    adapter,
		Store:      store.NewMemoryStore(),
	}, log.NewNop())

	require.NoError(t, m.Send(context.Background(), "hi"))

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.Equal(t, transcript.StatusSent, msgs[1].Status)
	assert.Equal(t, "s1", m.SessionID())
}
