// Package sse decodes the line-oriented event-stream wire format used by the
// chat engine into discrete events.
//
// The wire format follows the Server-Sent-Events convention: frames are
// separated by a blank line, and only lines prefixed with "data: " carry a
// payload. Each payload is a JSON object of the shape
//
//	{"type": "...", "data": {...}, "timestamp": 1712345678901}
//
// The decoder is stateful and tolerant of arbitrary chunk boundaries: a frame
// may be split across many chunks, a single chunk may contain many frames, and
// a chunk boundary may fall inside a multi-byte UTF-8 sequence or inside the
// "data: " marker itself. Buffering happens at the byte level, so split runes
// reassemble naturally once the enclosing frame is complete.
//
// A malformed data line is dropped silently; one bad frame must never abort
// the stream.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// dataPrefix marks payload-carrying lines within a frame.
const dataPrefix = "data: "

// frameSeparator delimits frames in the stream.
var frameSeparator = []byte("\n\n")

// Event is one decoded application-level event.
//
// Data is kept as raw JSON: each handler decodes only the fields of the
// dialect it speaks, so unknown payload shapes never fail at this layer.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Decoder incrementally decodes raw byte chunks into events.
//
// The zero value is ready to use. Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends a chunk to the internal buffer and returns every event whose
// enclosing frame is now complete, in wire order. Empty chunks produce no
// events. Unterminated trailing content stays buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		i := bytes.Index(d.buf, frameSeparator)
		if i < 0 {
			break
		}
		frame := d.buf[:i]
		events = append(events, decodeFrame(frame)...)
		d.buf = append(d.buf[:0:0], d.buf[i+len(frameSeparator):]...)
	}
	return events
}

// Buffered reports how many bytes of incomplete frame data are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// decodeFrame extracts events from one complete frame body.
// Lines without the data prefix (event names, comments, heartbeats) carry no
// payload and are skipped. Payloads that fail to parse are dropped.
func decodeFrame(frame []byte) []Event {
	var events []Event
	for line := range bytes.Lines(frame) {
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		payload, ok := bytes.CutPrefix(line, []byte(dataPrefix))
		if !ok {
			continue
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Events reads r chunk by chunk and yields each decoded event in order.
//
// The sequence terminates when r reaches EOF or when a read error occurs; a
// read error is yielded once, after which iteration stops. An incomplete
// final frame (no closing blank line before EOF) is discarded, matching the
// engine's contract that every frame it emits is terminated.
//
// Closing the underlying stream is the caller's responsibility; Events never
// takes ownership of r.
func Events(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var dec Decoder
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, ev := range dec.Feed(buf[:n]) {
					if !yield(ev, nil) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(Event{}, fmt.Errorf("read event stream: %w", err))
				return
			}
		}
	}
}

// Encode serializes an event into its wire form, data line plus frame
// terminator. Used by the mock transport and by tests to build streams that
// are byte-identical to what the live engine sends.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return fmt.Appendf(nil, "%s%s\n\n", dataPrefix, payload), nil
}
