package net

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gridrealm/server/internal/event"
)

// Wire format: each Message is one JSON array of events followed by a
// blank line. json.Marshal never emits literal newlines (they are escaped
// inside strings), so the double line-break is an unambiguous frame
// delimiter. No dynamic evaluation anywhere near the decode path.

var frameDelimiter = []byte("\n\n")

// EncodeMessage renders one message as a delimiter-terminated frame.
func EncodeMessage(msg event.Message) ([]byte, error) {
	events := msg.Events()
	if events == nil {
		events = []event.Event{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(payload, frameDelimiter...), nil
}

// DecodeFrame parses one complete frame payload (without the delimiter).
func DecodeFrame(payload []byte) (event.Message, error) {
	var events []event.Event
	if err := json.Unmarshal(payload, &events); err != nil {
		return event.Message{}, fmt.Errorf("decode frame: %w", err)
	}
	return event.NewMessage(events...), nil
}

// FrameScanner reassembles delimiter-terminated frames from an arbitrary
// byte stream. Multiple frames arriving in one read and partial frames
// spanning several reads both work; a partial frame never decodes.
type FrameScanner struct {
	buf []byte
}

// Feed appends raw bytes received from the stream.
func (s *FrameScanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next returns the next complete message, or ok=false when no full frame
// is buffered yet. A malformed frame is consumed and returned as an error
// so the caller can report it without stalling the stream.
func (s *FrameScanner) Next() (msg event.Message, ok bool, err error) {
	idx := bytes.Index(s.buf, frameDelimiter)
	if idx < 0 {
		return event.Message{}, false, nil
	}
	payload := s.buf[:idx]
	rest := s.buf[idx+len(frameDelimiter):]
	s.buf = append(s.buf[:0:0], rest...)
	msg, err = DecodeFrame(payload)
	if err != nil {
		return event.Message{}, true, err
	}
	return msg, true, nil
}

// Pending returns the number of buffered bytes not yet framed.
func (s *FrameScanner) Pending() int { return len(s.buf) }
