package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8192
)

var (
	ErrSendQueueFull = errors.New("ws send queue full")
	ErrClosed        = errors.New("ws session closed")
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Inbound is a message a participant sends over its socket.
type Inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Available *bool  `json:"available,omitempty"`
}

// Reply answers an inbound message.
type Reply struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	State     string `json:"state,omitempty"`
}

// Session is one participant connection. Writes go through a buffered queue
// drained by a single writer goroutine, so Send never waits on the network.
type Session struct {
	conn *websocket.Conn
	send chan any
	done chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewSession(conn *websocket.Conn, buffer int) *Session {
	if buffer <= 0 {
		buffer = 32
	}
	return &Session{conn: conn, send: make(chan any, buffer), done: make(chan struct{})}
}

// Send queues v for delivery as JSON.
func (s *Session) Send(v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.send <- v:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Run starts the write pump and reads frames until the connection fails or
// is closed, handing each text frame to onMessage. The session is closed on
// return.
func (s *Session) Run(onMessage func(msg []byte)) error {
	defer s.Close()
	go s.writePump()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}
		onMessage(msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case v := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(v); err != nil {
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
