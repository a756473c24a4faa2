// Package transcript holds the in-memory model of one conversation and the
// event interpreter that mutates it.
//
// The model (messages, tool calls) is mutated exclusively by [Interpreter]
// for engine-originated events and by the session manager for user input.
// Neither transport adapter touches it directly.
//
// Concurrency: Transcript is not self-synchronizing. The session manager
// serializes all access behind its own lock, matching the engine's
// single-writer design.
package transcript

// Transcript is the mutable conversation state: ordered messages plus the
// tool-call registry.
//
// The zero value is an empty transcript ready for use.
type Transcript struct {
	messages  []Message
	toolCalls []ToolCall
}

// Append adds a message to the end of the transcript.
func (t *Transcript) Append(msg Message) {
	t.messages = append(t.messages, msg)
}

// Message returns a pointer to the message with the given id, or nil.
// The pointer stays valid until the next Append.
func (t *Transcript) Message(id string) *Message {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return &t.messages[i]
		}
	}
	return nil
}

// Messages returns a copy of all messages in order.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// ToolCalls returns a copy of all tool calls in order.
func (t *Transcript) ToolCalls() []ToolCall {
	out := make([]ToolCall, len(t.toolCalls))
	copy(out, t.toolCalls)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Reset clears all messages and tool calls.
func (t *Transcript) Reset() {
	t.messages = nil
	t.toolCalls = nil
}

// Load replaces the transcript contents with a restored snapshot.
func (t *Transcript) Load(messages []Message, toolCalls []ToolCall) {
	t.messages = make([]Message, len(messages))
	copy(t.messages, messages)
	t.toolCalls = make([]ToolCall, len(toolCalls))
	copy(t.toolCalls, toolCalls)
}

// AddToolCall registers a new pending tool call and returns its id.
// If a pending call with the same name already exists, no new call is added
// and the existing call's id is returned: the wire protocol reports the same
// invocation twice (announcement and result) without a correlating id.
func (t *Transcript) AddToolCall(name string, args map[string]any, ts int64) string {
	if existing := t.pendingToolCall(name); existing != nil {
		return existing.ID
	}
	tc := ToolCall{
		ID:        NewToolCallID(),
		Name:      name,
		Arguments: args,
		Status:    ToolCallPending,
		Timestamp: ts,
	}
	if tc.Arguments == nil {
		tc.Arguments = map[string]any{}
	}
	t.toolCalls = append(t.toolCalls, tc)
	return tc.ID
}

// CompleteToolCall attaches a result to the earliest still-pending call with
// the given name (FIFO per name) and marks it completed. It reports whether a
// pending call was found.
//
// FIFO-by-name is the documented correlation policy: no observed engine
// dialect carries a call id, so genuinely overlapping same-named calls would
// mis-attach. That limitation is accepted rather than silently guessed around.
func (t *Transcript) CompleteToolCall(name string, result any) bool {
	tc := t.pendingToolCall(name)
	if tc == nil {
		return false
	}
	tc.Result = result
	tc.Status = ToolCallCompleted
	return true
}

// pendingToolCall returns the earliest pending call with the given name.
func (t *Transcript) pendingToolCall(name string) *ToolCall {
	for i := range t.toolCalls {
		if t.toolCalls[i].Name == name && t.toolCalls[i].Status == ToolCallPending {
			return &t.toolCalls[i]
		}
	}
	return nil
}
