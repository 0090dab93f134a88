package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cex-order-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// orderStream pushes the caller's order updates. Browsers cannot set headers
// on a websocket handshake, so the token may also come as ?token=.
func (s *Server) orderStream(c *gin.Context) {
	raw, ok := bearerToken(c)
	if !ok {
		raw = c.Query("token")
	}
	userID, err := parseToken(raw, s.opts.JWTSecret)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.opts.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.opts.Bus.Subscribe(events.EventOrderUpdate, 100)
	defer unsub()

	// Reader goroutine only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, open := <-stream:
			if !open {
				return
			}
			upd, ok := msg.(events.OrderUpdate)
			if !ok || upd.UserID != userID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(upd); err != nil {
				s.log.Debug("ws write error", zap.Int64("user_id", userID), zap.Error(err))
				return
			}
		}
	}
}
