package roomserver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomgrid/roomgrid/internal/v1/transport"
)

var errConnClosed = errors.New("use of closed network connection")

type mockFrame struct {
	messageType int
	data        []byte
}

// mockConn is a scripted transport.Conn. Inbound frames are queued with
// queueText; everything written by the server is captured for assertions.
type mockConn struct {
	inbound   chan mockFrame
	closeCh   chan struct{}
	closeOnce sync.Once

	// autoPong answers every ping through the registered pong handler,
	// mimicking a responsive client.
	autoPong bool

	mu          sync.Mutex
	writes      [][]byte
	controls    []int
	pongHandler func(string) error
	pingErr     error
}

var _ transport.Conn = (*mockConn)(nil)

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan mockFrame, 16),
		closeCh: make(chan struct{}),
	}
}

func (m *mockConn) queueText(data []byte) {
	m.inbound <- mockFrame{messageType: websocket.TextMessage, data: data}
}

func (m *mockConn) queueBinary(data []byte) {
	m.inbound <- mockFrame{messageType: websocket.BinaryMessage, data: data}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-m.inbound:
		return frame.messageType, frame.data, nil
	case <-m.closeCh:
		return 0, nil, errConnClosed
	}
}

func (m *mockConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-m.closeCh:
		return errConnClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.writes = append(m.writes, buf)
	return nil
}

func (m *mockConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	m.mu.Lock()
	m.controls = append(m.controls, messageType)
	pingErr := m.pingErr
	pong := m.pongHandler
	autoPong := m.autoPong
	m.mu.Unlock()

	if messageType == websocket.PingMessage {
		if pingErr != nil {
			return pingErr
		}
		if autoPong && pong != nil {
			_ = pong("")
		}
	}
	return nil
}

func (m *mockConn) SetPongHandler(h func(appData string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockConn) writesSnapshot() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *mockConn) controlsSnapshot() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.controls))
	copy(out, m.controls)
	return out
}

// waitForWrite blocks until a predicate matches one of the captured writes.
func (m *mockConn) waitForWrite(t *testing.T, match func([]byte) bool) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, w := range m.writesSnapshot() {
			if match(w) {
				return w
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no matching write; got %d writes", len(m.writesSnapshot()))
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}
