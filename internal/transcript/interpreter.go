package transcript

import (
	"encoding/json"
	"strings"

	"github.com/koopa0/chatembed/internal/log"
	"github.com/koopa0/chatembed/internal/sse"
)

// StreamMode selects how streamed text becomes visible transcript content.
// The same flag drives the interpreter's text handling and the mock
// transport's emission pacing; the two must agree or the widget would render
// duplicated or missing text.
type StreamMode string

const (
	// StreamReplace treats each text event as the full utterance so far
	// (the engine resends the whole accumulated text every event).
	StreamReplace StreamMode = "replace"

	// StreamAppend treats each text event as an incremental fragment.
	StreamAppend StreamMode = "append"

	// StreamBuffered withholds text until the stream finishes, then reveals
	// the complete utterance at once.
	StreamBuffered StreamMode = "buffered"
)

// Hooks are the interpreter's outward signals. All hooks are optional.
type Hooks struct {
	// SessionInfo fires when a session event carries an identifier.
	// isNew is true the first time the engine reports this session.
	SessionInfo func(sessionID string, isNew bool)

	// Completed fires when the engine declares the conversation finished
	// (after the target message has been finalized).
	Completed func()
}

// handler mutates the transcript for one event kind.
type handler func(in *Interpreter, ev sse.Event, target string)

// dialectHandlers is the dispatch table covering every event kind of both
// observed wire dialects. Adding or retiring a dialect is a table edit.
// Unknown kinds fall through Apply and are ignored for forward compatibility.
var dialectHandlers = map[string]handler{
	// Current dialect.
	"session":   (*Interpreter).handleSession,
	"message":   (*Interpreter).handleText,
	"tool_call": (*Interpreter).handleToolCall,
	"waiting":   (*Interpreter).handleWaiting,
	"done":      (*Interpreter).handleDone,
	"completed": (*Interpreter).handleCompleted,
	"error":     (*Interpreter).handleError,

	// Legacy engine dialect.
	"say":                  (*Interpreter).handleText,
	"talk":                 (*Interpreter).handleText,
	"function_call":        (*Interpreter).handleToolCall,
	"waiting_for_response": (*Interpreter).handleWaiting,
}

// Interpreter applies decoded wire events to a Transcript.
//
// One interpreter serves one transcript for its whole lifetime; the session
// manager constructs a fresh pair when a session is reset. Not safe for
// concurrent use; the manager serializes calls.
type Interpreter struct {
	tr     *Transcript
	mode   StreamMode
	hooks  Hooks
	logger log.Logger

	// redirect maps a request's placeholder message id to the message
	// currently growing for that request, after a new-utterance split.
	redirect map[string]string

	// withheld accumulates streamed text per target in buffered mode.
	withheld map[string]string
}

// NewInterpreter creates an interpreter over tr.
func NewInterpreter(tr *Transcript, mode StreamMode, hooks Hooks, logger log.Logger) *Interpreter {
	if mode == "" {
		mode = StreamReplace
	}
	return &Interpreter{
		tr:       tr,
		mode:     mode,
		hooks:    hooks,
		logger:   logger,
		redirect: make(map[string]string),
		withheld: make(map[string]string),
	}
}

// Apply dispatches one event against the transcript. target is the id of the
// placeholder message created for the in-flight request. Events of unknown
// kind are ignored: new engine event kinds must never crash an older widget.
func (in *Interpreter) Apply(ev sse.Event, target string) {
	h, ok := dialectHandlers[ev.Type]
	if !ok {
		in.logger.Debug("ignoring unknown event type", "type", ev.Type)
		return
	}
	h(in, ev, target)
}

// Finalize flushes any withheld text for target and promotes it from
// streaming to sent. Called by the manager when a stream ends without an
// explicit done event, and by the done/completed handlers.
func (in *Interpreter) Finalize(target string) {
	in.finalize(target)
}

// Fail marks the in-flight message for target as failed with the given text.
// The new-utterance redirect is honored: after a split the error lands on the
// message that is actually streaming, never on an already finalized one.
// Called by the manager when the transport itself fails mid-stream.
func (in *Interpreter) Fail(target, text string) {
	in.fail(target, text)
}

// target resolves a placeholder id through any new-utterance redirect.
func (in *Interpreter) target(id string) string {
	if redirected, ok := in.redirect[id]; ok {
		return redirected
	}
	return id
}

// sessionPayload is the session event body. is_new distinguishes a freshly
// created session from one resumed by id.
type sessionPayload struct {
	SessionID string `json:"session_id"`
	IsNew     bool   `json:"is_new"`
}

func (in *Interpreter) handleSession(ev sse.Event, _ string) {
	var p sessionPayload
	if !decode(ev.Data, &p) || p.SessionID == "" {
		return
	}
	if in.hooks.SessionInfo != nil {
		in.hooks.SessionInfo(p.SessionID, p.IsNew)
	}
}

// textPayload covers both dialects: the current dialect sends content, the
// legacy one sends text with a partial flag.
type textPayload struct {
	Content string `json:"content"`
	Text    string `json:"text"`
	Partial bool   `json:"partial"`
}

func (in *Interpreter) handleText(ev sse.Event, target string) {
	var p textPayload
	if !decode(ev.Data, &p) {
		return
	}
	text := p.Content
	if text == "" {
		text = p.Text
	}
	if text == "" {
		return
	}
	in.applyText(target, text)
}

// applyText merges streamed text into the transcript according to the
// configured stream mode. Shared by text events and the narrative text that
// tool-call events may carry.
func (in *Interpreter) applyText(target, text string) {
	target = in.target(target)

	switch in.mode {
	case StreamAppend:
		msg := in.tr.Message(target)
		if msg == nil || final(msg.Status) {
			return
		}
		msg.Content += text
		msg.Status = StatusStreaming

	case StreamBuffered:
		in.withheld[target] = mergeWholesale(in.withheld[target], text)

	default: // StreamReplace
		in.replaceText(target, text)
	}
}

// replaceText applies a wholesale text event under the replace dialect.
//
// Continuation vs new utterance is inferred from the content itself, since
// the wire carries no utterance id: text that equals, extends, or is a
// stale prefix of the current content continues the same utterance; anything
// else starts a new assistant message, finalizing the previous one. A single
// request may legitimately contain several sequential utterances.
func (in *Interpreter) replaceText(target, text string) {
	msg := in.tr.Message(target)
	if msg == nil || final(msg.Status) {
		return
	}

	switch {
	case msg.Content == "" || strings.HasPrefix(text, msg.Content):
		msg.Content = text
		msg.Status = StatusStreaming

	case strings.HasPrefix(msg.Content, text):
		// Final non-partial replay or a regressed partial; keep the longer
		// content already shown.
		msg.Status = StatusStreaming

	default:
		// New utterance: close out the current message and grow a new one.
		msg.Status = StatusSent
		next := Message{
			ID:        NewMessageID(RoleAssistant),
			Role:      RoleAssistant,
			Content:   text,
			Timestamp: nowMillis(),
			Status:    StatusStreaming,
		}
		in.tr.Append(next)
		in.redirect[originOf(in.redirect, target)] = next.ID
	}
}

// originOf walks redirects back to the request's placeholder id so repeated
// splits keep rewriting a single mapping.
func originOf(redirect map[string]string, target string) string {
	for origin, current := range redirect {
		if current == target {
			return origin
		}
	}
	return target
}

// mergeWholesale folds a wholesale text event into withheld content.
// Extension wins; a shorter replay of what is already held is dropped;
// unrelated text is treated as a following utterance and concatenated.
func mergeWholesale(held, text string) string {
	switch {
	case held == "" || strings.HasPrefix(text, held):
		return text
	case strings.HasPrefix(held, text):
		return held
	default:
		return held + "\n" + text
	}
}

// toolCallPayload covers both dialects: tool_call sends function/args, the
// legacy function_call sends name/arguments plus a status string.
type toolCallPayload struct {
	Function  string          `json:"function"`
	Name      string          `json:"name"`
	Content   string          `json:"content"`
	Args      map[string]any  `json:"args"`
	Arguments map[string]any  `json:"arguments"`
	Result    json.RawMessage `json:"result"`
}

func (in *Interpreter) handleToolCall(ev sse.Event, target string) {
	var p toolCallPayload
	if !decode(ev.Data, &p) {
		return
	}
	name := p.Function
	if name == "" {
		name = p.Name
	}
	if name == "" {
		return
	}

	ts := ev.Timestamp
	if ts == 0 {
		ts = nowMillis()
	}

	if len(p.Result) > 0 && string(p.Result) != "null" {
		var result any
		if err := json.Unmarshal(p.Result, &result); err != nil {
			in.logger.Debug("dropping unparseable tool result", "tool", name, "error", err)
			return
		}
		if !in.tr.CompleteToolCall(name, result) {
			// Result without a prior announcement: record the call as
			// already completed so the result is not lost.
			in.tr.AddToolCall(name, p.Args, ts)
			in.tr.CompleteToolCall(name, result)
		}
	} else {
		args := p.Args
		if args == nil {
			args = p.Arguments
		}
		in.tr.AddToolCall(name, args, ts)
	}

	// A tool-call event may carry narrative text for the current message.
	if p.Content != "" {
		in.applyText(target, p.Content)
	}
}

// handleWaiting is a liveness signal only; no state mutation.
func (in *Interpreter) handleWaiting(_ sse.Event, _ string) {}

func (in *Interpreter) handleDone(_ sse.Event, target string) {
	in.finalize(target)
}

func (in *Interpreter) handleCompleted(_ sse.Event, target string) {
	in.finalize(target)
	if in.hooks.Completed != nil {
		in.hooks.Completed()
	}
}

// errorPayload tolerates both error field spellings seen on the wire.
type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleError reflects an engine-reported failure into the target message.
// This is a normal, handled event, not an exceptional condition.
func (in *Interpreter) handleError(ev sse.Event, target string) {
	var p errorPayload
	decode(ev.Data, &p)
	text := p.Error
	if text == "" {
		text = p.Message
	}
	if text == "" {
		text = "An error occurred"
	}
	in.fail(target, text)
}

// fail discards withheld text and closes out the redirect-resolved target
// message with error status.
func (in *Interpreter) fail(target, text string) {
	target = in.target(target)
	delete(in.withheld, target)
	if msg := in.tr.Message(target); msg != nil {
		msg.Content = text
		msg.Status = StatusError
	}
}

// finalize flushes withheld text and closes out a streaming message.
func (in *Interpreter) finalize(target string) {
	target = in.target(target)
	msg := in.tr.Message(target)
	if msg == nil {
		return
	}
	if held, ok := in.withheld[target]; ok {
		if held != "" {
			msg.Content = held
		}
		delete(in.withheld, target)
	}
	if msg.Status == StatusStreaming || msg.Status == StatusSending {
		msg.Status = StatusSent
	}
}

// final reports whether a message status is immutable.
func final(st MessageStatus) bool {
	return st == StatusSent || st == StatusError
}

// decode unmarshals an event payload, reporting success. Absent or malformed
// payloads are never fatal.
func decode(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, v) == nil
}
