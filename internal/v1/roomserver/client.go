package roomserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomgrid/roomgrid/internal/v1/logging"
	"github.com/roomgrid/roomgrid/internal/v1/protocol"
	"github.com/roomgrid/roomgrid/internal/v1/transport"
)

const (
	// writeWait is the deadline applied to every socket write.
	writeWait = 10 * time.Second

	// sendBuffer is the per-client outbound queue depth.
	sendBuffer = 64
)

// Client represents one connected end-user on this room server. It owns
// its socket exclusively; nothing else writes to the connection.
type Client struct {
	ID         string
	Properties json.RawMessage

	conn transport.Conn
	send chan []byte

	// ctx carries the client identity for log enrichment.
	ctx context.Context

	mu          sync.Mutex
	closed      bool
	missedPings int
	closeOnce   sync.Once
}

func newClient(id string, properties json.RawMessage, conn transport.Conn) *Client {
	return &Client{
		ID:         id,
		Properties: properties,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		ctx:        context.WithValue(context.Background(), logging.ClientIDKey, id),
	}
}

// Summary is the only projection of a client allowed beyond the room
// server.
func (c *Client) Summary() protocol.ClientSummary {
	return protocol.ClientSummary{ID: c.ID, Properties: c.Properties}
}

// Send queues a text frame for the client. A full queue drops the message;
// a dead socket surfaces through the write pump and the close path.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			// Send raced Disconnect closing the channel.
			logging.Warn(c.ctx, "recovered from panic in client send", zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(c.ctx, "client send queue full, dropping message")
	}
}

// Disconnect closes the outbound queue, which makes the write pump flush,
// send a close frame and close the connection. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// writePump drains the send queue onto the socket. A write error closes
// the connection; cleanup then flows through the read side's close path.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(c.ctx, "error writing to client", zap.Error(err))
			return
		}
	}

	// Queue closed by Disconnect: complete the close handshake.
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// ping sends a WebSocket ping control frame.
func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// markMissed increments the missed-ping counter and returns the new value.
func (c *Client) markMissed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPings++
	return c.missedPings
}

// missed returns the current missed-ping counter.
func (c *Client) missed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missedPings
}

// resetMissedPings is called from the pong handler.
func (c *Client) resetMissedPings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPings = 0
}
