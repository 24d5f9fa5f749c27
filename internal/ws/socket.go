package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Socket streams frames to a websocket follower as text messages.
type Socket struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	log       *slog.Logger
	closeOnce sync.Once
}

func NewSocket(conn *websocket.Conn, logger *slog.Logger) *Socket {
	return &Socket{conn: conn, log: logger}
}

// Send writes the frame payload. The frame id and event are not part of the message.
func (s *Socket) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
		s.log.Debug("websocket follower gone", "error", err)
		return err
	}
	return nil
}

// Close sends a close frame and releases the connection.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

// Keepalive pings the peer and discards what it sends until the connection fails or
// the peer stops answering pings.
func (s *Socket) Keepalive() {
	done := make(chan struct{})
	defer close(done)
	go s.ping(done)

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Socket) ping(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
