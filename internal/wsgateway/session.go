package wsgateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds one frame write, including pings.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer stays connected; pings go out
	// early enough to refresh it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps client frames. Subscriptions and commands
	// are tiny; anything bigger is not ours.
	maxMessageSize = 64 << 10
	// sendQueueSize is the per-session outbound buffer.
	sendQueueSize = 64
)

// session is one websocket client. The imeis set is owned by the hub
// goroutine; the pumps only move bytes.
type session struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	imeis map[string]struct{}
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, sendQueueSize),
		imeis: make(map[string]struct{}),
	}
}

// readPump decodes client frames and hands them to the hub. It exits
// on any read error and unregisters the session.
func (s *session) readPump(d *Daemon) {
	defer func() {
		select {
		case d.unregister <- s:
		case <-d.done:
		}
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.log.Warn("client read failed", "client", s.id, "error", err)
			}
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			d.log.Warn("undecodable client message", "client", s.id, "error", err)
			continue
		}
		select {
		case d.inbound <- inboundMsg{sess: s, msg: msg}:
		case <-d.done:
			return
		}
	}
}

// writePump drains the send queue onto the wire and keeps the
// connection alive with pings. The hub closing the queue ends it.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
