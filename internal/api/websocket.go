package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"botcore/pkg/apperr"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Session auth happens via the bearer token, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is any inbound websocket frame.
type clientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
}

// handleWebsocket authenticates, upgrades and runs one client session.
func (s *Server) handleWebsocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		writeError(c, apperr.New(apperr.KindAuth, "missing bearer token"))
		return
	}
	uid, err := s.auth.VerifyAccess(token)
	if err != nil {
		writeError(c, apperr.New(apperr.KindAuth, "invalid or expired token"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}

	sess := newSession(uid)
	s.hub.register(sess)
	log.Printf("ws: session %s connected (user %s)", sess.id, uid)

	go s.writeLoop(conn, sess)
	s.readLoop(conn, sess)
}

// readLoop parses client frames until the connection drops.
func (s *Server) readLoop(conn *websocket.Conn, sess *session) {
	defer func() {
		s.hub.unregister(sess)
		conn.Close()
		log.Printf("ws: session %s closed", sess.id)
	}()
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.hub.offer(sess, outMessage{Type: "error", Data: "malformed message"})
			continue
		}

		switch msg.Type {
		case "ping":
			s.hub.offer(sess, pong())
		case "subscribe":
			sess.subscribe(msg.Channels)
		case "unsubscribe":
			sess.unsubscribe(msg.Channels)
		case "subscribe_symbol", "subscribe_ticker":
			sess.subscribeSymbols(msg.Symbols)
		case "unsubscribe_symbol", "unsubscribe_ticker":
			sess.unsubscribeSymbols(msg.Symbols)
		default:
			s.hub.offer(sess, outMessage{Type: "error", Data: "unknown message type"})
		}
	}
}

// writeLoop drains the session queue onto the wire and keeps the connection
// alive with protocol pings.
func (s *Server) writeLoop(conn *websocket.Conn, sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sess.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
