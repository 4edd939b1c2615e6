package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsBuffer       = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is additive to the polling snapshot API and carries no
	// credentials; cross-origin dashboards may subscribe.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket streams live execution events to a dashboard client. The
// connection closes when the client goes away or the subscription drops.
func (s *Server) handleWebsocket(c *gin.Context) {
	if s.deps.Bus == nil {
		abortError(c, validationError(errNoFeed))
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Bus.Subscribe(wsBuffer)
	defer cancel()

	// Reader goroutine: drains client frames and surfaces disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type feedErr struct{}

func (feedErr) Error() string { return "event feed is not configured" }

var errNoFeed = feedErr{}
