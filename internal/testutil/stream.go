// Package testutil provides shared helpers for exercising the event-stream
// decoding path in tests: wire-format builders, arbitrary chunk splitters and
// failing readers.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"testing"
)

// WireFrame builds one wire frame ("data: {...}\n\n") from an event type and
// payload. The payload is marshaled as the event's data field.
func WireFrame(t *testing.T, eventType string, payload any) []byte {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	obj, err := json.Marshal(map[string]json.RawMessage{
		"type": json.RawMessage(fmt.Sprintf("%q", eventType)),
		"data": data,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return fmt.Appendf(nil, "data: %s\n\n", obj)
}

// WireStream concatenates frames into one byte stream.
func WireStream(t *testing.T, frames ...[]byte) []byte {
	t.Helper()

	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// ChunkEvery splits b into chunks of at most n bytes, preserving order.
// Chunk boundaries deliberately ignore frame, line, marker and rune
// boundaries.
func ChunkEvery(b []byte, n int) [][]byte {
	if n <= 0 {
		n = 1
	}
	var chunks [][]byte
	for len(b) > 0 {
		end := min(n, len(b))
		chunks = append(chunks, b[:end])
		b = b[end:]
	}
	return chunks
}

// ChunkAt splits b at the given byte offsets. Offsets outside (0, len(b))
// are ignored.
func ChunkAt(b []byte, offsets ...int) [][]byte {
	var chunks [][]byte
	prev := 0
	for _, off := range offsets {
		if off <= prev || off >= len(b) {
			continue
		}
		chunks = append(chunks, b[prev:off])
		prev = off
	}
	chunks = append(chunks, b[prev:])
	return chunks
}

// ErrReader yields the wrapped bytes and then fails with Err instead of
// io.EOF. It simulates a transport dropping mid-stream.
type ErrReader struct {
	data []byte
	off  int

	// Err is returned once the data is exhausted.
	Err error
}

// NewErrReader creates an ErrReader over data that fails with err at the end.
func NewErrReader(data []byte, err error) *ErrReader {
	return &ErrReader{data: data, Err: err}
}

// Read implements io.Reader.
func (r *ErrReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, r.Err
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

var _ io.Reader = (*ErrReader)(nil)
