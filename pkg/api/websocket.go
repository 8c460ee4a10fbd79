package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/drover-io/drover/pkg/events"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEventStream upgrades the connection and forwards broker events as
// JSON frames. An optional ?types=task:completed,task:failed query filters
// the stream; with no filter every event is forwarded. The connection stays
// open until the client disconnects or the broker shuts down.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	filter := parseEventFilter(c.Query("types"))
	sub := s.coord.Broker().Subscribe()

	s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Event stream opened")

	// Reader goroutine exists only to detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.coord.Broker().Unsubscribe(sub)
		_ = conn.Close()
		s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Event stream closed")
	}()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if len(filter) > 0 && !filter[event.Type] {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func parseEventFilter(raw string) map[events.EventType]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			filter[events.EventType(part)] = true
		}
	}
	return filter
}
