package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/riskwatch/internal/idgen"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// session is one connected dashboard.
type session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func newSession(h *Hub, conn *websocket.Conn) *session {
	return &session{
		id:   idgen.WithPrefix("ws_"),
		hub:  h,
		conn: conn,
		out:  make(chan []byte, h.sendBuffer),
		sub:  Subscription{AllEvents: true},
	}
}

func (s *session) subscription() Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sub
}

func (s *session) setSubscription(sub Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// enqueue reports false when the outbound queue is full. Callers hold the
// hub read lock, so out cannot be closed concurrently.
func (s *session) enqueue(payload []byte) bool {
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

// reply queues a control frame. Replies to a session already being torn
// down are discarded.
func (s *session) reply(frame controlFrame) {
	frame.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	if _, ok := s.hub.sessions[s]; ok {
		s.enqueue(payload)
	}
}

// readLoop applies subscription updates until the peer goes away.
func (s *session) readLoop() {
	defer func() {
		s.hub.leave(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.hub.logger.Warn("realtime read failed", "session", s.id, "error", err)
			}
			return
		}
		s.handleMessage(msg)
	}
}

func (s *session) handleMessage(msg []byte) {
	var sub Subscription
	if err := json.Unmarshal(msg, &sub); err != nil {
		s.reply(controlFrame{Type: FrameError, Message: errInvalidSubscription.Error()})
		return
	}
	if err := sub.Validate(); err != nil {
		s.reply(controlFrame{Type: FrameError, Message: err.Error()})
		return
	}
	s.setSubscription(sub)
	s.reply(controlFrame{Type: FrameSubscribed, Subscription: &sub})
}

// writeLoop drains the outbound queue and keeps the connection alive with
// pings. A closed queue ends the session with a close frame.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.hub.logger.Debug("realtime write failed", "session", s.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
