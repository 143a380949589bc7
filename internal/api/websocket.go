package api

import (
	"log"
	"net/http"
	"time"

	"bot-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamed lists the topics pushed to operators.
var streamed = []events.Event{
	events.EventBotStatus, events.EventSignal, events.EventRiskDecision, events.EventAdvisor,
	events.EventOrder, events.EventTrade, events.EventBotError, events.EventBotUnhealthy,
	events.EventConfigUpdated,
}

// websocket pushes the caller's bot events. The token comes from the
// Authorization header or the token query parameter.
func (s *Server) websocket(c *gin.Context) {
	tokenStr, code := bearerToken(c)
	if code != "" {
		respondError(c, http.StatusUnauthorized, code, "missing token")
		return
	}
	userID, err := parseToken(tokenStr, s.JWTSecret)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.SubscribeMany(streamed, 100)
	defer unsub()

	// reader goroutine notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case env, ok := <-stream:
			if !ok {
				return
			}
			if env.Account != userID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("[WS] write error: %v", err)
				return
			}
		}
	}
}
