package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Viewers only send control frames; anything larger is a broken client.
	maxInboundBytes = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens on the API key before the upgrade, not on Origin; replay
	// viewers are embedded in arbitrary dashboards.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn pairs the socket with its subscriber. All writes go through
// writePump, all reads through readPump; close runs exactly once.
type wsConn struct {
	registry *Registry
	sub      *Subscriber
	conn     *websocket.Conn
	logger   zerolog.Logger
	once     sync.Once
}

// ServeWS upgrades the request and pushes the session's live events until
// the client goes away. The caller has already authenticated the request
// and resolved sessionID to the caller's project.
func ServeWS(registry *Registry, logger zerolog.Logger, w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}

	ws := &wsConn{
		registry: registry,
		sub:      registry.Subscribe(sessionID, "websocket"),
		conn:     conn,
		logger:   logger.With().Str("session_id", sessionID).Logger(),
	}
	go ws.writePump()
	go ws.readPump()
}

func (ws *wsConn) close() {
	ws.once.Do(func() {
		ws.registry.Unsubscribe(ws.sub)
		ws.conn.Close()
	})
}

// writePump owns all writes: subscriber messages, pings, the close frame.
func (ws *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.close()
	}()

	for {
		select {
		case msg, ok := <-ws.sub.C():
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				ws.logger.Error().Err(err).Msg("stream message marshal failed")
				continue
			}
			if err := ws.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and keeps the pong deadline fresh. Its
// exit is how we learn the client disconnected.
func (ws *wsConn) readPump() {
	defer ws.close()

	ws.conn.SetReadLimit(maxInboundBytes)
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
	}
}
