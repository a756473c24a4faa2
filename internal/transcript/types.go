package transcript

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Valid message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

// Valid message statuses. Content is append-only while a message is
// streaming and immutable once it reaches sent or error.
const (
	StatusSending   MessageStatus = "sending"
	StatusStreaming MessageStatus = "streaming"
	StatusSent      MessageStatus = "sent"
	StatusError     MessageStatus = "error"
)

// Message is one entry in the conversation transcript.
// Timestamps are Unix milliseconds, matching the persisted wire shape.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"`
	Status    MessageStatus `json:"status,omitempty"`
}

// ToolCallStatus tracks a tool call through its lifecycle.
type ToolCallStatus string

// Valid tool call statuses.
const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCall records one tool/function invocation reported by the engine.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Timestamp int64          `json:"timestamp"`
}

// SessionStatus tracks the overall session lifecycle.
type SessionStatus string

// Valid session statuses. Only active sessions are restored from storage.
const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Session is the durable snapshot of one conversation: identity, transcript
// and lifecycle status. It is the exact shape written to the persistence
// store, one record per scope key.
type Session struct {
	SessionID    string        `json:"sessionId"`
	DeploymentID string        `json:"deploymentId"`
	WorkerID     string        `json:"workerId"`
	FlowID       string        `json:"flowId"`
	StartTime    int64         `json:"startTime"`
	Messages     []Message     `json:"messages"`
	ToolCalls    []ToolCall    `json:"toolCalls"`
	Status       SessionStatus `json:"status"`
}

// NewMessageID mints a transcript-unique message id. The role prefix keeps
// ids debuggable; the UUID keeps them collision-free across rapid appends.
func NewMessageID(role Role) string {
	return fmt.Sprintf("%s-%s", role, uuid.NewString())
}

// NewToolCallID mints a tool-call id.
func NewToolCallID() string {
	return "tc-" + uuid.NewString()
}

// NewClientSessionID mints a client-side session id for engine dialects that
// expect the widget to choose the identifier.
func NewClientSessionID() string {
	return "bb-" + uuid.NewString()
}

// nowMillis is the single clock used for transcript timestamps.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
