package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session is one viewer's live connection to a meet room. It is
// write-only from the broker's perspective: judge votes and director
// commands arrive over the REST API (authenticated by the same
// TokenIssuer), not over this socket.
type Session struct {
	broker   *Broker
	conn     *websocket.Conn
	send     chan Event
	meetCode string
	role     Role
}

// Serve upgrades r to a websocket, validates token against the
// expected meetCode, and blocks pumping events until the connection
// closes or the broker shuts the room down.
func Serve(broker *Broker, issuer *TokenIssuer, meetCode string, w http.ResponseWriter, r *http.Request) {
	role := RoleViewer
	if tok := r.URL.Query().Get("token"); tok != "" {
		if parsedRole, parsedMeet, _, err := issuer.Verify(tok); err == nil && parsedMeet == meetCode {
			role = parsedRole
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		broker.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &Session{
		broker:   broker,
		conn:     conn,
		send:     make(chan Event, broker.sendBuffer),
		meetCode: meetCode,
		role:     role,
	}
	broker.register <- s

	go s.writePump()
	s.readPump()
}

// readPump only watches for close/pong frames: a viewer socket sends
// nothing of substance, but it must still be read to process control
// frames and detect disconnects per the gorilla/websocket contract.
func (s *Session) readPump() {
	defer func() {
		s.broker.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.broker.log.Debug("session read error", "error", err)
			}
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case event, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.writeJSON(event); err != nil {
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

func (s *Session) writeJSON(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		s.broker.log.Error("marshal outbound event", "error", err, "type", event.Type)
		return nil
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
