// Package session owns the lifecycle of one conversation: creation,
// restoration from durable storage, persistence on mutation, and
// termination.
//
// The [Manager] is the sole writer of durable storage and the single
// synchronization point for transcript state. Engine events mutate the
// transcript only through the interpreter, on the goroutine driving the
// adapter stream, under the manager's lock; user input enters through
// [Manager.Send]. Only one exchange may be in flight per session — callers
// observe [Manager.IsLoading] and receive [ErrBusy] otherwise.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/koopa0/chatembed/internal/config"
	"github.com/koopa0/chatembed/internal/log"
	"github.com/koopa0/chatembed/internal/store"
	"github.com/koopa0/chatembed/internal/transcript"
	"github.com/koopa0/chatembed/internal/transport"
)

// Sentinel errors returned by Manager operations. Check with errors.Is.
var (
	// ErrBusy indicates a message is already in flight for this session.
	ErrBusy = errors.New("a message is already in flight")

	// ErrClosed indicates the manager has been torn down.
	ErrClosed = errors.New("session manager is closed")
)

// errorPlaceholder replaces the assistant message content when the
// transport fails mid-exchange.
const errorPlaceholder = "Failed to get response"

// Callbacks are the observer hooks surfaced to the host application.
// All callbacks are optional and fire outside the manager's lock.
type Callbacks struct {
	// OnSessionStart fires exactly once per new session, when an
	// identifier is first learned (server-assigned) or minted (client).
	OnSessionStart func(sessionID string)

	// OnSessionEnd fires once with the final snapshot when a session is
	// explicitly ended.
	OnSessionEnd func(sess transcript.Session)

	// OnMessage fires once per fully-formed user message and per
	// synthesized welcome message.
	OnMessage func(msg transcript.Message)

	// OnError fires on transport or config failures. Errors reported here
	// are already reflected into transcript state; the widget stays usable.
	OnError func(err error)
}

// Options configures a Manager.
type Options struct {
	// Deployment is the fetched deployment configuration. Its EmbedID is
	// the scope key for durable storage.
	Deployment config.DeploymentConfig

	// Adapter produces event streams for outbound messages.
	Adapter transport.Adapter

	// Store persists session snapshots. Required.
	Store store.Store

	// StreamMode selects the text display mode; must match the adapter's
	// pacing mode.
	StreamMode transcript.StreamMode

	// ClientSessionIDs mints a session id locally on StartNew instead of
	// waiting for the engine to assign one (legacy engine dialect).
	ClientSessionIDs bool

	// SynthesizeWelcome appends the deployment's welcome message locally
	// when a brand-new transcript starts. Engines that emit their own
	// welcome leave this off.
	SynthesizeWelcome bool

	Callbacks Callbacks
}

// Manager coordinates transcript state, transport and persistence for one
// widget instance.
type Manager struct {
	opts   Options
	logger log.Logger

	// gate serializes all state access; see package comment.
	gate chan struct{}

	tr     *transcript.Transcript
	interp *transcript.Interpreter

	sessionID      string
	sessionStatus  transcript.SessionStatus
	startTime      int64
	sessionStarted bool
	loading        bool
	closed         bool
	lastErr        error

	// pendingStart holds a session id whose OnSessionStart callback is owed;
	// hooks run under the lock, so the callback is deferred until release.
	pendingStart string

	// Exchange timing, exposed for typing-indicator style UI signals.
	exchangeStarted time.Time
	exchangeEnded   time.Time
}

// NewManager creates a manager. Restore is a separate step so hosts can
// decide whether reload resumption is wanted.
func NewManager(opts Options, logger log.Logger) *Manager {
	m := &Manager{
		opts:          opts,
		logger:        logger,
		gate:          make(chan struct{}, 1),
		tr:            &transcript.Transcript{},
		sessionStatus: transcript.SessionActive,
		startTime:     time.Now().UnixMilli(),
	}
	m.interp = transcript.NewInterpreter(m.tr, opts.StreamMode, transcript.Hooks{
		SessionInfo: m.onSessionInfo,
		Completed:   m.onConversationCompleted,
	}, logger)
	return m
}

// lock acquires the manager gate.
func (m *Manager) lock() { m.gate <- struct{}{} }

// unlock releases the manager gate.
func (m *Manager) unlock() { <-m.gate }

// scope returns the durable-storage scope key.
func (m *Manager) scope() string { return m.opts.Deployment.EmbedID }

// Restore loads a previously persisted session for this scope. Only
// sessions with active status resume; a completed or corrupt record is
// treated as absent. Restore never fails the widget: storage errors degrade
// to a fresh conversation.
//
// When nothing is restored and SynthesizeWelcome is set, a local welcome
// message seeds the transcript.
func (m *Manager) Restore(ctx context.Context) bool {
	stored, err := m.opts.Store.Load(ctx, m.scope())
	if err != nil {
		m.logger.Debug("session restore failed, starting fresh", "error", err)
		stored = nil
	}

	m.lock()
	if stored != nil && stored.Status == transcript.SessionActive {
		m.sessionID = stored.SessionID
		m.startTime = stored.StartTime
		m.sessionStatus = stored.Status
		m.sessionStarted = stored.SessionID != ""
		m.tr.Load(stored.Messages, stored.ToolCalls)
		m.unlock()
		m.logger.Info("session restored", "sessionId", stored.SessionID, "messages", len(stored.Messages))
		return true
	}
	m.unlock()

	m.maybeWelcome()
	return false
}

// maybeWelcome seeds an empty transcript with the deployment's welcome text.
func (m *Manager) maybeWelcome() {
	if !m.opts.SynthesizeWelcome || m.opts.Deployment.WelcomeMessage == "" {
		return
	}

	m.lock()
	if m.tr.Len() > 0 {
		m.unlock()
		return
	}
	welcome := transcript.Message{
		ID:        transcript.NewMessageID(transcript.RoleAssistant),
		Role:      transcript.RoleAssistant,
		Content:   m.opts.Deployment.WelcomeMessage,
		Timestamp: time.Now().UnixMilli(),
		Status:    transcript.StatusSent,
	}
	m.tr.Append(welcome)
	m.unlock()

	if m.opts.Callbacks.OnMessage != nil {
		m.opts.Callbacks.OnMessage(welcome)
	}
}

// Send delivers one user message and drives the resulting event stream to
// completion. Only one exchange may be in flight: concurrent calls return
// ErrBusy. Empty (all-whitespace) content is a no-op.
//
// Transport failures are contained: the in-flight assistant message
// transitions to error status, OnError fires once, and the error is also
// returned for callers that prefer return values over callbacks.
func (m *Manager) Send(ctx context.Context, content string) error {
	if isBlank(content) {
		return nil
	}

	userMsg := transcript.Message{
		ID:        transcript.NewMessageID(transcript.RoleUser),
		Role:      transcript.RoleUser,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Status:    transcript.StatusSent,
	}
	placeholder := transcript.Message{
		ID:        transcript.NewMessageID(transcript.RoleAssistant),
		Role:      transcript.RoleAssistant,
		Timestamp: time.Now().UnixMilli(),
		Status:    transcript.StatusStreaming,
	}

	m.lock()
	switch {
	case m.closed:
		m.unlock()
		return ErrClosed
	case m.loading:
		m.unlock()
		return ErrBusy
	}
	m.loading = true
	m.lastErr = nil
	m.exchangeStarted = time.Now()
	m.tr.Append(userMsg)
	m.tr.Append(placeholder)
	sessionID := m.sessionID
	m.unlock()

	if m.opts.Callbacks.OnMessage != nil {
		m.opts.Callbacks.OnMessage(userMsg)
	}
	m.persist(ctx)

	var streamErr error
	for ev, err := range m.opts.Adapter.Stream(ctx, transport.SendParams{
		EmbedID:   m.scope(),
		Message:   content,
		SessionID: sessionID,
	}) {
		if err != nil {
			streamErr = err
			break
		}

		m.lock()
		if m.closed {
			m.loading = false
			m.unlock()
			return ErrClosed
		}
		m.interp.Apply(ev, placeholder.ID)
		m.unlock()
		m.flushSessionStart()
		m.persist(ctx)
	}

	m.lock()
	if m.closed {
		m.loading = false
		m.unlock()
		return ErrClosed
	}
	if streamErr != nil {
		m.lastErr = streamErr
		// Routed through the interpreter so the error lands on the message
		// actually streaming, even after a new-utterance split moved it past
		// the original placeholder.
		m.interp.Fail(placeholder.ID, errorPlaceholder)
	} else {
		// Mark as sent if the stream ended without an explicit done.
		m.interp.Finalize(placeholder.ID)
	}
	m.loading = false
	m.exchangeEnded = time.Now()
	m.unlock()

	m.persist(ctx)

	if streamErr != nil {
		if m.opts.Callbacks.OnError != nil {
			m.opts.Callbacks.OnError(streamErr)
		}
		return streamErr
	}
	return nil
}

// onSessionInfo runs under the manager lock, from the interpreter.
func (m *Manager) onSessionInfo(sessionID string, isNew bool) {
	m.sessionID = sessionID
	if isNew {
		m.startTime = time.Now().UnixMilli()
	}
	if !m.sessionStarted {
		m.sessionStarted = true
		m.pendingStart = sessionID
	}
}

// flushSessionStart fires the deferred OnSessionStart callback, if owed.
// Must be called without the lock held.
func (m *Manager) flushSessionStart() {
	m.lock()
	id := m.pendingStart
	m.pendingStart = ""
	m.unlock()

	if id != "" && m.opts.Callbacks.OnSessionStart != nil {
		m.opts.Callbacks.OnSessionStart(id)
	}
}

// onConversationCompleted runs under the manager lock, from the interpreter.
// The final snapshot persists with completed status, so it is not restored
// after a reload.
func (m *Manager) onConversationCompleted() {
	m.sessionStatus = transcript.SessionCompleted
}

// StartNew discards the current conversation and storage record and resets
// for a fresh session. Returns the new session id: a locally minted one
// under ClientSessionIDs, otherwise empty until the engine assigns an
// identifier via the first session event.
func (m *Manager) StartNew(ctx context.Context) (string, error) {
	m.lock()
	if m.closed {
		m.unlock()
		return "", ErrClosed
	}
	if m.loading {
		m.unlock()
		return "", ErrBusy
	}

	m.resetLocked()
	var id string
	if m.opts.ClientSessionIDs {
		id = transcript.NewClientSessionID()
		m.sessionID = id
		m.sessionStarted = true
	}
	m.unlock()

	if err := m.opts.Store.Delete(ctx, m.scope()); err != nil {
		m.logger.Debug("clear stored session failed", "error", err)
	}

	if id != "" && m.opts.Callbacks.OnSessionStart != nil {
		m.opts.Callbacks.OnSessionStart(id)
	}
	m.maybeWelcome()
	return id, nil
}

// End terminates the session: observers receive the final snapshot, durable
// storage is cleared, and in-memory state resets to empty. Ending a session
// that never started is a no-op; ending one with an exchange in flight
// returns ErrBusy, otherwise the still-running stream would repopulate the
// fresh transcript.
func (m *Manager) End(ctx context.Context) error {
	m.lock()
	if m.closed {
		m.unlock()
		return ErrClosed
	}
	if m.loading {
		m.unlock()
		return ErrBusy
	}
	if m.sessionID == "" && m.tr.Len() == 0 {
		m.unlock()
		return nil
	}

	final := m.snapshotLocked()
	final.Status = transcript.SessionCompleted
	m.resetLocked()
	m.unlock()

	if m.opts.Callbacks.OnSessionEnd != nil {
		m.opts.Callbacks.OnSessionEnd(final)
	}
	if err := m.opts.Store.Delete(ctx, m.scope()); err != nil {
		m.logger.Debug("clear stored session failed", "error", err)
	}
	return nil
}

// ClearMessages empties the transcript without touching session identity or
// durable storage.
func (m *Manager) ClearMessages() {
	m.lock()
	m.tr.Reset()
	m.unlock()
}

// Close tears the manager down. No transcript mutation may occur afterwards;
// an in-flight Send observes the flag and stops applying events.
func (m *Manager) Close() error {
	m.lock()
	m.closed = true
	m.unlock()
	return nil
}

// resetLocked clears conversation state. Caller holds the lock.
func (m *Manager) resetLocked() {
	m.tr.Reset()
	m.interp = transcript.NewInterpreter(m.tr, m.opts.StreamMode, transcript.Hooks{
		SessionInfo: m.onSessionInfo,
		Completed:   m.onConversationCompleted,
	}, m.logger)
	m.sessionID = ""
	m.sessionStarted = false
	m.sessionStatus = transcript.SessionActive
	m.startTime = time.Now().UnixMilli()
	m.lastErr = nil
	m.pendingStart = ""
}

// snapshotLocked builds the persistable session snapshot. Caller holds the
// lock.
func (m *Manager) snapshotLocked() transcript.Session {
	return transcript.Session{
		SessionID:    m.sessionID,
		DeploymentID: m.opts.Deployment.DeploymentID,
		WorkerID:     m.opts.Deployment.WorkerID,
		FlowID:       m.opts.Deployment.FlowID,
		StartTime:    m.startTime,
		Messages:     m.tr.Messages(),
		ToolCalls:    m.tr.ToolCalls(),
		Status:       m.sessionStatus,
	}
}

// persist writes a full snapshot, best-effort: storage failure degrades to
// "conversation not resumed after reload", never to a widget crash. Nothing
// is written until the transcript has at least one message.
func (m *Manager) persist(ctx context.Context) {
	m.lock()
	if m.closed || m.tr.Len() == 0 {
		m.unlock()
		return
	}
	snap := m.snapshotLocked()
	m.unlock()

	if err := m.opts.Store.Save(ctx, m.scope(), &snap); err != nil {
		m.logger.Debug("session persist failed", "error", err)
	}
}

// Messages returns a snapshot of the transcript messages.
func (m *Manager) Messages() []transcript.Message {
	m.lock()
	defer m.unlock()
	return m.tr.Messages()
}

// ToolCalls returns a snapshot of the tool-call registry.
func (m *Manager) ToolCalls() []transcript.ToolCall {
	m.lock()
	defer m.unlock()
	return m.tr.ToolCalls()
}

// SessionID returns the current session identifier, empty until assigned.
func (m *Manager) SessionID() string {
	m.lock()
	defer m.unlock()
	return m.sessionID
}

// IsLoading reports whether an exchange is in flight. The input surface
// gates on this flag.
func (m *Manager) IsLoading() bool {
	m.lock()
	defer m.unlock()
	return m.loading
}

// Err returns the last transport error, cleared at the start of each Send.
func (m *Manager) Err() error {
	m.lock()
	defer m.unlock()
	return m.lastErr
}

// ExchangeTimes returns when the current or last exchange started and
// ended. UI liveness signals (typing indicators) derive from these; the
// core itself carries no indicator state.
func (m *Manager) ExchangeTimes() (started, ended time.Time) {
	m.lock()
	defer m.unlock()
	return m.exchangeStarted, m.exchangeEnded
}

// isBlank reports whether content contains no printable input.
func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
