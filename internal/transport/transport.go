// Package transport produces the event stream for an outbound user message.
//
// Two interchangeable adapters implement the same contract: [Client] speaks
// to the live chat engine over HTTP, [Mock] synthesizes timing-realistic
// streams from canned rules. The interpreter and session manager never know
// which one is active; swapping adapters must be protocol-invisible, so the
// mock emits the exact event vocabulary the interpreter is configured for.
package transport

import (
	"context"
	"iter"

	"github.com/koopa0/chatembed/internal/config"
	"github.com/koopa0/chatembed/internal/sse"
)

// SendParams carries one outbound user message and its session context.
type SendParams struct {
	EmbedID   string
	Message   string
	SessionID string
	Metadata  map[string]any
}

// Adapter is the capability both transports implement.
//
// Stream yields events in production order and terminates after a
// done/completed event, a yielded transport error, or context cancellation.
// A non-nil error is terminal: no further events follow it. Implementations
// must release any underlying stream resource on every exit path, including
// an early break by the consumer.
type Adapter interface {
	Stream(ctx context.Context, params SendParams) iter.Seq2[sse.Event, error]
	FetchDeploymentConfig(ctx context.Context, embedID string) (config.DeploymentConfig, error)
}
