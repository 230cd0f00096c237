package net

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gridrealm/server/internal/event"
	"go.uber.org/zap"
)

// Transport is the client engine's view of a connection to the server.
// Implementations: TCP, websocket, in-process loopback, replay log.
//
// Connect blocks until the peer is reachable and errors if called twice.
// Send enqueues for asynchronous delivery and never blocks the caller.
// Receive returns the next buffered inbound message, or an empty message
// when nothing is pending; it must not block.
// Shutdown signals termination and blocks until the I/O side has drained
// its outbound queue and confirmed.
type Transport interface {
	Connect(addr string) error
	Send(msg event.Message)
	Receive() event.Message
	Shutdown() error
}

// ErrAlreadyConnected is returned when Connect is called twice.
var ErrAlreadyConnected = errors.New("transport already connected")

// TCPTransport carries framed messages over a TCP socket. One goroutine
// per direction; the in/out queues are the only shared state.
type TCPTransport struct {
	mu        sync.Mutex
	conn      net.Conn
	connected bool

	in  chan event.Message
	out chan event.Message

	closeCh   chan struct{}
	closeOnce sync.Once
	ioDone    chan struct{}

	log *zap.Logger
}

func NewTCPTransport(log *zap.Logger) *TCPTransport {
	return &TCPTransport{
		in:      make(chan event.Message, 128),
		out:     make(chan event.Message, 128),
		closeCh: make(chan struct{}),
		ioDone:  make(chan struct{}),
		log:     log,
	}
}

func (t *TCPTransport) Connect(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return ErrAlreadyConnected
	}
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	t.conn = conn
	t.connected = true
	go t.readLoop()
	go t.writeLoop()
	return nil
}

func (t *TCPTransport) Send(msg event.Message) {
	select {
	case t.out <- msg:
	case <-t.closeCh:
	default:
		// Queue full means the write side stopped draining. Dropping
		// mirrors a dead socket, which the state machines tolerate;
		// blocking the game loop here would not be tolerated.
		t.log.Warn("輸出佇列已滿，訊息丟棄", zap.Int("events", msg.Len()))
	}
}

// close marks the transport dead. Idempotent; called on Shutdown and by
// either I/O loop when the socket fails, so Send never waits on a
// connection that no longer exists.
func (t *TCPTransport) close() {
	t.closeOnce.Do(func() { close(t.closeCh) })
}

func (t *TCPTransport) Receive() event.Message {
	select {
	case msg := <-t.in:
		return msg
	default:
		return event.Message{}
	}
}

func (t *TCPTransport) Shutdown() error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	t.close()
	if connected {
		<-t.ioDone
	}
	return nil
}

func (t *TCPTransport) readLoop() {
	var scanner FrameScanner
	buf := make([]byte, 4096)
	for {
		// Short read deadline purely to interleave with shutdown polling,
		// not a request deadline.
		t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := t.conn.Read(buf)
		if n > 0 {
			scanner.Feed(buf[:n])
			for {
				msg, ok, derr := scanner.Next()
				if !ok {
					break
				}
				if derr != nil {
					t.log.Warn("無法解碼的訊框", zap.Error(derr))
					continue
				}
				select {
				case t.in <- msg:
				case <-t.closeCh:
					return
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-t.closeCh:
					return
				default:
					continue
				}
			}
			select {
			case <-t.closeCh:
			default:
				t.log.Debug("讀取錯誤", zap.Error(err))
			}
			t.close()
			return
		}
	}
}

func (t *TCPTransport) writeLoop() {
	defer close(t.ioDone)
	defer t.close()
	for {
		select {
		case msg := <-t.out:
			if !t.writeOne(msg) {
				t.conn.Close()
				return
			}
		case <-t.closeCh:
			// Final drain before exit.
			for {
				select {
				case msg := <-t.out:
					if !t.writeOne(msg) {
						t.conn.Close()
						return
					}
				default:
					t.conn.Close()
					return
				}
			}
		}
	}
}

func (t *TCPTransport) writeOne(msg event.Message) bool {
	data, err := EncodeMessage(msg)
	if err != nil {
		t.log.Error("訊息編碼失敗", zap.Error(err))
		return true
	}
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := t.conn.Write(data); err != nil {
		t.log.Debug("寫入錯誤", zap.Error(err))
		return false
	}
	return true
}
