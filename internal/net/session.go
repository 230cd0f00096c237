package net

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridrealm/server/internal/event"
	"go.uber.org/zap"
)

// Link is one live peer as seen by the game loop: an inbound queue to
// drain, an outbound buffer to fill, and a cooperative shutdown. The TCP
// Session and the websocket session both implement it.
type Link interface {
	Key() string
	Inbound() <-chan event.Message
	Send(msg event.Message)
	FlushOutput()
	Close()
	IsClosed() bool
}

// Session represents a single TCP client connection. Network I/O runs in
// dedicated goroutines; the in/out queues are the only state shared with
// the game loop.
type Session struct {
	ID   uint64
	conn net.Conn

	InQueue  chan event.Message // game loop reads messages from here
	OutQueue chan event.Message // writer goroutine reads from here

	IP string

	outBuf []event.Message // buffered messages, flushed once per tick (game loop only)

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	ioDone    chan struct{} // closed by writeLoop after the final outbound drain

	// Per-second message rate limiter (readLoop goroutine only, no lock needed)
	msgPerSec  int
	msgCount   int
	msgResetAt int64

	writeTimeout time.Duration

	log *zap.Logger
}

func NewSession(conn net.Conn, id uint64, inSize, outSize, msgPerSec int, writeTimeout time.Duration, log *zap.Logger) *Session {
	return &Session{
		ID:           id,
		conn:         conn,
		InQueue:      make(chan event.Message, inSize),
		OutQueue:     make(chan event.Message, outSize),
		IP:           conn.RemoteAddr().String(),
		closeCh:      make(chan struct{}),
		ioDone:       make(chan struct{}),
		msgPerSec:    msgPerSec,
		writeTimeout: writeTimeout,
		log:          log.With(zap.Uint64("session", id)),
	}
}

// Key returns the connection identifier used for room registration.
func (s *Session) Key() string { return fmt.Sprintf("tcp-%d", s.ID) }

// Inbound returns the queue the game loop drains.
func (s *Session) Inbound() <-chan event.Message { return s.InQueue }

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// Send buffers a message for sending. Nothing is written to TCP until
// FlushOutput is called by the game loop at the end of the tick.
// Called only from the game loop goroutine; no lock needed on outBuf.
func (s *Session) Send(msg event.Message) {
	if s.closed.Load() {
		return
	}
	s.outBuf = append(s.outBuf, msg)
}

// FlushOutput drains the output buffer to OutQueue for the writeLoop
// goroutine. Non-blocking: if OutQueue is full, the session is
// disconnected (backpressure on slow consumers).
func (s *Session) FlushOutput() {
	for _, msg := range s.outBuf {
		select {
		case s.OutQueue <- msg:
		default:
			s.log.Warn("輸出佇列已滿，斷開慢速連線")
			s.Close()
			s.outBuf = s.outBuf[:0]
			return
		}
	}
	s.outBuf = s.outBuf[:0]
}

// Close signals shutdown. The writeLoop observes the signal, flushes any
// outstanding outbound messages, then closes the socket.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
	})
}

// CloseAndWait closes the session and blocks until the I/O side has
// confirmed the final drain.
func (s *Session) CloseAndWait() {
	s.Close()
	<-s.ioDone
}

func (s *Session) IsClosed() bool { return s.closed.Load() }

// readLoop runs in its own goroutine. It reads bytes from the TCP
// connection, reassembles frames, and pushes decoded messages onto
// InQueue for the game loop to consume.
func (s *Session) readLoop() {
	defer s.Close()

	var scanner FrameScanner
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("讀取錯誤", zap.Error(err))
			}
			return
		}
		scanner.Feed(buf[:n])

		for {
			msg, ok, derr := scanner.Next()
			if !ok {
				break
			}
			if derr != nil {
				// Unframeable input is a protocol violation: log it and
				// keep the connection alive.
				s.log.Warn("無法解碼的訊框", zap.Error(derr))
				continue
			}

			if s.exceedsRate() {
				s.log.Warn("訊息速率超限，斷開連線", zap.Int("mps", s.msgCount))
				return
			}

			// Block until InQueue has space or the session closes. The
			// readLoop goroutine is per-session, so blocking here only
			// stalls this client; dropping messages would desync the
			// request/confirmation state machine.
			select {
			case s.InQueue <- msg:
			case <-s.closeCh:
				return
			}
		}
	}
}

func (s *Session) exceedsRate() bool {
	if s.msgPerSec <= 0 {
		return false
	}
	now := time.Now().Unix()
	if now != s.msgResetAt {
		s.msgCount = 0
		s.msgResetAt = now
	}
	s.msgCount++
	return s.msgCount > s.msgPerSec
}

// writeLoop runs in its own goroutine. It encodes messages from OutQueue
// into frames and writes them to the TCP connection. On shutdown it
// drains whatever is still queued before closing the socket, so a session
// termination notice actually reaches the peer.
func (s *Session) writeLoop() {
	defer close(s.ioDone)

	for {
		select {
		case msg := <-s.OutQueue:
			if !s.writeOneMessage(msg) {
				s.Close()
				s.conn.Close()
				return
			}
		case <-s.closeCh:
			s.drainOutbound()
			s.conn.Close()
			return
		}
	}
}

// drainOutbound performs the final flush of queued outbound messages.
func (s *Session) drainOutbound() {
	for {
		select {
		case msg := <-s.OutQueue:
			if !s.writeOneMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeOneMessage(msg event.Message) bool {
	data, err := EncodeMessage(msg)
	if err != nil {
		s.log.Error("訊息編碼失敗", zap.Error(err))
		return true // encoding bug, do not kill the connection for it
	}
	s.log.Debug("TX", zap.Int("events", msg.Len()), zap.Int("bytes", len(data)))

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(data); err != nil {
		if !s.closed.Load() {
			s.log.Debug("寫入錯誤", zap.Error(err))
		}
		return false
	}
	return true
}
