package net

import (
	"fmt"
	"os"
	"sync"

	"github.com/gridrealm/server/internal/event"
)

// ReplayTransport replays a previously recorded frame stream as inbound
// messages. Replay files are plain wire frames (the same double
// line-break delimited JSON the TCP transport uses), so a session capture
// can be fed straight back into a client engine. Outbound messages are
// discarded after an optional recording hook.
type ReplayTransport struct {
	mu        sync.Mutex
	connected bool
	frames    []event.Message
	next      int

	// Record, when non-nil, receives every message the engine sends.
	Record func(msg event.Message)
}

func NewReplayTransport() *ReplayTransport {
	return &ReplayTransport{}
}

// Connect loads the replay file named by addr.
func (t *ReplayTransport) Connect(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return ErrAlreadyConnected
	}
	raw, err := os.ReadFile(addr)
	if err != nil {
		return fmt.Errorf("open replay %s: %w", addr, err)
	}
	var scanner FrameScanner
	scanner.Feed(raw)
	for {
		msg, ok, derr := scanner.Next()
		if !ok {
			break
		}
		if derr != nil {
			return fmt.Errorf("replay %s frame %d: %w", addr, len(t.frames), derr)
		}
		t.frames = append(t.frames, msg)
	}
	t.connected = true
	return nil
}

func (t *ReplayTransport) Send(msg event.Message) {
	if t.Record != nil {
		t.Record(msg)
	}
}

// Receive returns the next recorded message, one per call, then empty
// messages forever.
func (t *ReplayTransport) Receive() event.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next >= len(t.frames) {
		return event.Message{}
	}
	msg := t.frames[t.next]
	t.next++
	return msg
}

// Remaining returns how many recorded messages are still pending.
func (t *ReplayTransport) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames) - t.next
}

func (t *ReplayTransport) Shutdown() error { return nil }
