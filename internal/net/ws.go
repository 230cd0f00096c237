package net

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gridrealm/server/internal/event"
	"go.uber.org/zap"
)

// Websocket carries the same delimiter-terminated frames as TCP, one
// frame per text message. Browser-based presenters connect here; the
// game loop sees a Link exactly like a TCP session.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSGateway upgrades HTTP connections and hands them to the game loop as
// Links, mirroring Server's channel protocol.
type WSGateway struct {
	nextID   atomic.Uint64
	newConns chan *WSSession
	inSize   int
	outSize  int
	log      *zap.Logger
}

func NewWSGateway(inSize, outSize int, log *zap.Logger) *WSGateway {
	return &WSGateway{
		newConns: make(chan *WSSession, 64),
		inSize:   inSize,
		outSize:  outSize,
		log:      log,
	}
}

// NewSessions returns the channel of newly upgraded websocket sessions.
func (g *WSGateway) NewSessions() <-chan *WSSession { return g.newConns }

// ServeHTTP implements the /ws endpoint.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket 升級失敗", zap.Error(err))
		return
	}
	id := g.nextID.Add(1)
	sess := newWSSession(ws, id, g.inSize, g.outSize, g.log)
	sess.start()

	g.log.Info(fmt.Sprintf("玩家連線  ws=%d  ip=%s", id, ws.RemoteAddr().String()))

	select {
	case g.newConns <- sess:
	default:
		g.log.Warn("連線佇列已滿，拒絕新連線")
		sess.Close()
	}
}

// WSSession is one websocket peer, implementing the same Link contract as
// the TCP Session.
type WSSession struct {
	ID uint64
	ws *websocket.Conn

	InQueue  chan event.Message
	OutQueue chan event.Message

	outBuf []event.Message

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	ioDone    chan struct{}

	log *zap.Logger
}

func newWSSession(ws *websocket.Conn, id uint64, inSize, outSize int, log *zap.Logger) *WSSession {
	return &WSSession{
		ID:       id,
		ws:       ws,
		InQueue:  make(chan event.Message, inSize),
		OutQueue: make(chan event.Message, outSize),
		closeCh:  make(chan struct{}),
		ioDone:   make(chan struct{}),
		log:      log.With(zap.Uint64("ws", id)),
	}
}

func (s *WSSession) Key() string                      { return fmt.Sprintf("ws-%d", s.ID) }
func (s *WSSession) Inbound() <-chan event.Message    { return s.InQueue }
func (s *WSSession) IsClosed() bool                   { return s.closed.Load() }

func (s *WSSession) start() {
	go s.readPump()
	go s.writePump()
}

func (s *WSSession) Send(msg event.Message) {
	if s.closed.Load() {
		return
	}
	s.outBuf = append(s.outBuf, msg)
}

func (s *WSSession) FlushOutput() {
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

func (s *WSSession) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
	})
}

func (s *WSSession) readPump() {
	defer s.Close()
	s.ws.SetReadLimit(1 << 20)
	var scanner FrameScanner
	for {
		_, payload, err := s.ws.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("讀取錯誤", zap.Error(err))
			}
			return
		}
		scanner.Feed(payload)
		for {
			msg, ok, derr := scanner.Next()
			if !ok {
				break
			}
			if derr != nil {
				s.log.Warn("無法解碼的訊框", zap.Error(derr))
				continue
			}
			select {
			case s.InQueue <- msg:
			case <-s.closeCh:
				return
			}
		}
	}
}

func (s *WSSession) writePump() {
	defer close(s.ioDone)
	for {
		select {
		case msg := <-s.OutQueue:
			if !s.writeOne(msg) {
				s.Close()
				s.ws.Close()
				return
			}
		case <-s.closeCh:
			for {
				select {
				case msg := <-s.OutQueue:
					if !s.writeOne(msg) {
						s.ws.Close()
						return
					}
				default:
					s.ws.Close()
					return
				}
			}
		}
	}
}

func (s *WSSession) writeOne(msg event.Message) bool {
	data, err := EncodeMessage(msg)
	if err != nil {
		s.log.Error("訊息編碼失敗", zap.Error(err))
		return true
	}
	s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if !s.closed.Load() {
			s.log.Debug("寫入錯誤", zap.Error(err))
		}
		return false
	}
	return true
}

// WSTransport is the client-side websocket Transport.
type WSTransport struct {
	mu        sync.Mutex
	connected bool
	ws        *websocket.Conn

	in  chan event.Message
	out chan event.Message

	closeCh   chan struct{}
	closeOnce sync.Once
	ioDone    chan struct{}

	log *zap.Logger
}

func NewWSTransport(log *zap.Logger) *WSTransport {
	return &WSTransport{
		in:      make(chan event.Message, 128),
		out:     make(chan event.Message, 128),
		closeCh: make(chan struct{}),
		ioDone:  make(chan struct{}),
		log:     log,
	}
}

// Connect dials a ws:// or wss:// URL.
func (t *WSTransport) Connect(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return ErrAlreadyConnected
	}
	ws, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	t.ws = ws
	t.connected = true
	go t.readPump()
	go t.writePump()
	return nil
}

func (t *WSTransport) Send(msg event.Message) {
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
// either pump when the socket fails, so Send never waits on a connection
// that no longer exists.
func (t *WSTransport) close() {
	t.closeOnce.Do(func() { close(t.closeCh) })
}

func (t *WSTransport) Receive() event.Message {
	select {
	case msg := <-t.in:
		return msg
	default:
		return event.Message{}
	}
}

func (t *WSTransport) Shutdown() error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	t.close()
	if connected {
		<-t.ioDone
	}
	return nil
}

func (t *WSTransport) readPump() {
	var scanner FrameScanner
	for {
		_, payload, err := t.ws.ReadMessage()
		if err != nil {
			select {
			case <-t.closeCh:
			default:
				t.log.Debug("讀取錯誤", zap.Error(err))
			}
			t.close()
			return
		}
		scanner.Feed(payload)
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
}

func (t *WSTransport) writePump() {
	defer close(t.ioDone)
	defer t.close()
	for {
		select {
		case msg := <-t.out:
			if !t.wsWrite(msg) {
				t.ws.Close()
				return
			}
		case <-t.closeCh:
			for {
				select {
				case msg := <-t.out:
					if !t.wsWrite(msg) {
						t.ws.Close()
						return
					}
				default:
					t.ws.Close()
					return
				}
			}
		}
	}
}

func (t *WSTransport) wsWrite(msg event.Message) bool {
	data, err := EncodeMessage(msg)
	if err != nil {
		t.log.Error("訊息編碼失敗", zap.Error(err))
		return true
	}
	t.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.log.Debug("寫入錯誤", zap.Error(err))
		return false
	}
	return true
}
