package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientMessage is what subscribers send upstream: group management and
// application-level heartbeats.
type clientMessage struct {
	Type      string `json:"type"`
	GroupName string `json:"groupName,omitempty"`
}

// handleWebsocket bridges one websocket connection onto the bus. Every
// event the subscriber receives is forwarded as the wire envelope.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	subscriberID := uuid.New().String()
	sub := s.bus.Subscribe(subscriberID)
	metrics.WebsocketClients.Inc()
	s.logger.Debug("websocket client connected", "subscriber_id", subscriberID, "remote", c.ClientIP())

	pong := make(chan struct{}, 8)
	go s.wsWriter(conn, sub, pong)
	s.wsReader(conn, subscriberID, pong)

	sub.Close()
	_ = conn.Close()
	metrics.WebsocketClients.Dec()
	s.logger.Debug("websocket client disconnected", "subscriber_id", subscriberID)
}

// wsReader consumes client messages until the connection drops.
func (s *Server) wsReader(conn *websocket.Conn, subscriberID string, pong chan<- struct{}) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "joinGroup":
			if msg.GroupName != "" {
				s.bus.JoinGroup(subscriberID, msg.GroupName)
			}
		case "leaveGroup":
			if msg.GroupName != "" {
				s.bus.LeaveGroup(subscriberID, msg.GroupName)
			}
		case "ping":
			select {
			case pong <- struct{}{}:
			default:
			}
		}
	}
}

// wsWriter owns all writes on the connection: bus events, application
// pongs and protocol pings.
func (s *Server) wsWriter(conn *websocket.Conn, sub *events.Subscriber, pong <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-pong:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(clientMessage{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
