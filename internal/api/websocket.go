package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are the per-user events pushed over /ws.
var streamTopics = []events.Event{
	events.EventPositionOpened,
	events.EventPositionClosed,
	events.EventExecutionError,
	events.EventRiskAlert,
}

const wsWriteTimeout = 5 * time.Second

// websocket streams the caller's position events. Browsers cannot set headers
// on the upgrade request, so the JWT may arrive as ?token=.
func (s *Server) websocket(c *gin.Context) {
	tok := c.Query("token")
	if tok == "" {
		tok, _ = bearerToken(c.GetHeader("Authorization"))
	}
	userID, err := verifyToken(tok, s.deps.JWTSecret)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}
	if s.deps.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "event bus not ready")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	merged := make(chan events.Message, 64)
	done := make(chan struct{})
	defer close(done)
	for _, topic := range streamTopics {
		ch, unsub := s.deps.Bus.Subscribe(topic, 32)
		defer unsub()
		go func() {
			for msg := range ch {
				if msg.UserID != userID {
					continue
				}
				select {
				case merged <- msg:
				case <-done:
					return
				}
			}
		}()
	}

	// Reader goroutine notices the client closing the socket.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := s.log.With(zap.String("user_id", userID))
	log.Debug("ws stream opened")
	for {
		select {
		case msg := <-merged:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-gone:
			log.Debug("ws stream closed")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
