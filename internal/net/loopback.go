package net

import (
	"sync"

	"github.com/gridrealm/server/internal/event"
)

// LoopbackTransport is an in-process Transport for tests and single-binary
// setups: two ends sharing a pair of buffered channels, no sockets.
type LoopbackTransport struct {
	mu        sync.Mutex
	connected bool

	in  chan event.Message
	out chan event.Message

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewLoopbackPair returns two connected transport ends. What one end
// sends, the other receives.
func NewLoopbackPair() (*LoopbackTransport, *LoopbackTransport) {
	ab := make(chan event.Message, 256)
	ba := make(chan event.Message, 256)
	a := &LoopbackTransport{in: ba, out: ab, closeCh: make(chan struct{})}
	b := &LoopbackTransport{in: ab, out: ba, closeCh: make(chan struct{})}
	return a, b
}

func (t *LoopbackTransport) Connect(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return ErrAlreadyConnected
	}
	t.connected = true
	return nil
}

func (t *LoopbackTransport) Send(msg event.Message) {
	select {
	case t.out <- msg:
	case <-t.closeCh:
	default:
		// Peer is not draining; losing the message here mirrors a dead
		// socket, which the state machines already tolerate.
	}
}

func (t *LoopbackTransport) Receive() event.Message {
	select {
	case msg := <-t.in:
		return msg
	default:
		return event.Message{}
	}
}

func (t *LoopbackTransport) Shutdown() error {
	t.closeOnce.Do(func() { close(t.closeCh) })
	return nil
}
