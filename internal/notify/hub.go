package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many events a subscriber may fall behind before it
	// is disconnected.
	sendBuffer = 64
)

// session is one connected subscriber. Only its writer goroutine touches
// the connection for writes.
type session struct {
	conn *websocket.Conn
	out  chan Event
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn, out: make(chan Event, sendBuffer), done: make(chan struct{})}
}

// offer queues ev without blocking and reports whether there was room.
func (s *session) offer(ev Event) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

func (s *session) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (h *Hub) writeLoop(s *session) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				h.logger.Debug("ws send failed, dropping subscriber", "error", err)
				h.remove(s)
				return
			}
		}
	}
}

// Hub broadcasts ride events to every WebSocket subscriber, the way drivers'
// apps learn about new requests without polling.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger.With("component", "ws_hub"), sessions: make(map[*session]struct{})}
}

// ServeHTTP upgrades the request and keeps the subscriber registered until
// the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	s := newSession(conn)
	h.add(s)
	defer h.remove(s)
	go h.writeLoop(s)

	// subscribers only listen; reading drives ping/pong and close detection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	s.shutdown()
}

// Len reports the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish queues the event for every subscriber and returns without waiting
// for delivery. A subscriber whose queue is full is disconnected.
func (h *Hub) Publish(_ context.Context, topic string, ride models.Ride) error {
	ev := NewEvent(topic, ride)
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.offer(ev) {
			observability.WSSubscribersDropped.Inc()
			h.logger.Warn("ws subscriber too slow, dropping")
			h.remove(s)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[*session]struct{})
	h.mu.Unlock()
	for s := range sessions {
		s.shutdown()
	}
}
