package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/denwilliams/go-device-sync/pkg/devicesync"
	"github.com/denwilliams/go-device-sync/pkg/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// handleDeviceWatch streams a device's sync state over a WebSocket. Every
// watch taken for the connection belongs to one session.View, which is closed
// on every exit path.
func (s *Server) handleDeviceWatch(w http.ResponseWriter, r *http.Request) {
	key, ok := deviceKey(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	view := session.NewView(s.tracker, s.logger)
	defer func() {
		if err := view.Close(); err != nil {
			s.logger.Warn("Failed to release view", zap.String("view_id", view.ID()), zap.Error(err))
		}
	}()

	socket := newSocket(conn, s.closing, s.logger.With(zap.String("view_id", view.ID()), zap.String("device", key.String())))

	if err := view.Watch(r.Context(), key, socket.notify); err != nil {
		s.logger.Warn("Watch failed", zap.String("device", key.String()), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(writeWait))
		return
	}

	if snapshot, ok := s.tracker.State(key); ok {
		socket.enqueue(WatchMessage{Type: WatchMessageSnapshot, Data: snapshot})
	}

	socket.serve()
}

type socket struct {
	conn    *websocket.Conn
	send    chan WatchMessage
	done    chan struct{}
	closing <-chan struct{}
	logger  *zap.Logger
}

func newSocket(conn *websocket.Conn, closing <-chan struct{}, logger *zap.Logger) *socket {
	return &socket{
		conn:    conn,
		send:    make(chan WatchMessage, sendBuffer),
		done:    make(chan struct{}),
		closing: closing,
		logger:  logger,
	}
}

// notify runs on the MQTT delivery goroutine and never blocks.
func (s *socket) notify(n devicesync.Notification) {
	s.enqueue(WatchMessage{Type: WatchMessageNotification, Data: n})
}

func (s *socket) enqueue(msg WatchMessage) {
	select {
	case s.send <- msg:
	default:
		s.logger.Warn("Watch socket buffer full, dropping message", zap.String("type", msg.Type))
	}
}

func (s *socket) serve() {
	go s.read()
	s.write()
}

// read discards client frames; it exists to process control frames and to
// notice when the peer goes away.
func (s *socket) read() {
	defer close(s.done)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Watch socket read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *socket) write() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("Watch socket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closing:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-s.done:
			return
		}
	}
}
