// Package transport adapts raw WebSocket connections to the interface the
// room server consumes. The accept loop, frame parsing and close handshake
// live in gorilla/websocket; everything above it sees only Conn.
package transport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/roomgrid/roomgrid/internal/v1/logging"
	"github.com/roomgrid/roomgrid/internal/v1/metrics"
	"github.com/roomgrid/roomgrid/internal/v1/ratelimit"
)

// Conn is the subset of a WebSocket connection the room server needs.
// *websocket.Conn satisfies it directly; tests substitute scripted mocks.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// ConnHandler is implemented by the room server; it takes ownership of the
// connection from the moment it is called.
type ConnHandler interface {
	HandleConnection(conn Conn)
}

// ServeWS returns a gin handler that rate-limits, checks the Origin header
// against the allowed set and upgrades to WebSocket. The upgraded
// connection is handed to h on a fresh goroutine.
func ServeWS(h ConnHandler, limiter *ratelimit.Limiter, allowedOrigins []string) gin.HandlerFunc {
	origins := set.New(allowedOrigins...)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients don't send Origin; the token is the gate.
				return true
			}
			return origins.Has(origin)
		},
	}

	return func(c *gin.Context) {
		if limiter != nil && !limiter.CheckWebSocket(c) {
			return // response already written by CheckWebSocket
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Warn(c.Request.Context(), "WebSocket upgrade failed",
				zap.Error(err), zap.String("remote", c.ClientIP()))
			return
		}

		metrics.WebsocketEvents.WithLabelValues("upgrade", "ok").Inc()
		go h.HandleConnection(conn)
	}
}
