package roomserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomgrid/roomgrid/internal/v1/logging"
	"github.com/roomgrid/roomgrid/internal/v1/metrics"
	"github.com/roomgrid/roomgrid/internal/v1/protocol"
)

// RoomOptions configures a room at creation time; immutable afterwards.
type RoomOptions struct {
	// PingInterval enables the heartbeat loop when positive.
	PingInterval time.Duration
	// MissedPingsLimit is the number of consecutive silent intervals a
	// client survives. Defaults to 1.
	MissedPingsLimit int
	// KeepAlive keeps the room alive when its last client leaves.
	KeepAlive bool
}

func (o RoomOptions) withDefaults() RoomOptions {
	if o.MissedPingsLimit < 1 {
		o.MissedPingsLimit = 1
	}
	return o
}

// Room is a named group of clients on one room server. All state changes
// are serialised; lifecycle listeners observe them synchronously and in
// order.
//
// Listener callbacks run with the room's event lock held: they may read
// room state and send messages, but must not call Join, Leave or Terminate.
type Room struct {
	ID string

	publicURL string
	opts      RoomOptions

	// ctx carries the room identity for log enrichment.
	ctx context.Context

	// emitMu serialises state changes together with their event emission so
	// listeners observe joined/left/terminated in mutation order. Always
	// acquired before mu.
	emitMu sync.Mutex
	mu     sync.Mutex

	properties json.RawMessage
	clients    map[string]*Client
	terminated bool

	pingCancel context.CancelFunc

	joinedHandlers     []func(*Client)
	leftHandlers       []func(*Client)
	messageHandlers    []func(*Client, []byte)
	terminatedHandlers []func()

	// onEmpty is wired by the owning server to garbage-collect the room
	// after the last leave.
	onEmpty func(*Room)
}

// NewRoom creates a room and starts its heartbeat loop when the options
// ask for one.
func NewRoom(id, publicURL string, properties json.RawMessage, opts RoomOptions) *Room {
	ctx := context.WithValue(context.Background(), logging.PublicURLKey, publicURL)
	ctx = context.WithValue(ctx, logging.RoomIDKey, id)
	r := &Room{
		ID:         id,
		publicURL:  publicURL,
		opts:       opts.withDefaults(),
		ctx:        ctx,
		properties: properties,
		clients:    make(map[string]*Client),
	}

	if r.opts.PingInterval > 0 {
		pingCtx, cancel := context.WithCancel(ctx)
		r.pingCancel = cancel
		go r.heartbeatLoop(pingCtx)
	}

	return r
}

// OnJoined registers a listener for client admissions.
func (r *Room) OnJoined(h func(*Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinedHandlers = append(r.joinedHandlers, h)
}

// OnLeft registers a listener for client departures.
func (r *Room) OnLeft(h func(*Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leftHandlers = append(r.leftHandlers, h)
}

// OnMessage registers a listener for inbound application frames.
func (r *Room) OnMessage(h func(*Client, []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageHandlers = append(r.messageHandlers, h)
}

// OnTerminated registers a listener for room teardown.
func (r *Room) OnTerminated(h func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminatedHandlers = append(r.terminatedHandlers, h)
}

// Join inserts a client and emits joined. Inserting an id that is already
// present is a no-op, as is joining a terminated room.
func (r *Room) Join(c *Client) {
	_ = r.admit(c)
}

// admit is Join with an admission verdict for the accept path.
func (r *Room) admit(c *Client) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return errRoomTerminated
	}
	if _, exists := r.clients[c.ID]; exists {
		r.mu.Unlock()
		return errDuplicateClientID
	}
	r.clients[c.ID] = c
	size := len(r.clients)
	handlers := cloneHandlers(r.joinedHandlers)
	r.mu.Unlock()

	metrics.RoomClients.WithLabelValues(r.ID).Set(float64(size))
	for _, h := range handlers {
		h(c)
	}
	return nil
}

// Leave removes a client, emits left, then disconnects it. Absent clients
// are a no-op. When the last client leaves a room without keepAlive, the
// owning server removes the room.
func (r *Room) Leave(c *Client) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.leaveLocked(c)
}

// leaveLocked requires emitMu to be held.
func (r *Room) leaveLocked(c *Client) {
	r.mu.Lock()
	if _, exists := r.clients[c.ID]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.ID)
	size := len(r.clients)
	handlers := cloneHandlers(r.leftHandlers)
	onEmpty := r.onEmpty
	keepAlive := r.opts.KeepAlive
	r.mu.Unlock()

	metrics.RoomClients.WithLabelValues(r.ID).Set(float64(size))
	for _, h := range handlers {
		h(c)
	}
	c.Disconnect()

	if size == 0 && !keepAlive && onEmpty != nil {
		onEmpty(r)
	}
}

// Send broadcasts a frame to every member, best effort.
func (r *Room) Send(data []byte) {
	for _, c := range r.snapshot() {
		c.Send(data)
	}
}

// SendTo sends a frame to one member; membership is verified by id at call
// time.
func (r *Room) SendTo(c *Client, data []byte) {
	r.mu.Lock()
	member, exists := r.clients[c.ID]
	r.mu.Unlock()
	if exists {
		member.Send(data)
	}
}

// SendToOthers broadcasts a frame to every member except c.
func (r *Room) SendToOthers(c *Client, data []byte) {
	for _, member := range r.snapshot() {
		if member.ID != c.ID {
			member.Send(data)
		}
	}
}

// Terminate disconnects every member and emits terminated. A left event is
// emitted for each member first; afterwards no joined or left events are
// emitted by this room.
func (r *Room) Terminate() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return
	}
	r.terminated = true
	members := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		members = append(members, c)
	}
	r.clients = make(map[string]*Client)
	leftHandlers := cloneHandlers(r.leftHandlers)
	termHandlers := append([]func(){}, r.terminatedHandlers...)
	r.mu.Unlock()

	r.ClearPingInterval()
	metrics.RoomClients.DeleteLabelValues(r.ID)

	for _, c := range members {
		for _, h := range leftHandlers {
			h(c)
		}
		c.Disconnect()
	}
	for _, h := range termHandlers {
		h()
	}

	logging.Info(r.ctx, "room terminated", zap.Int("clients_disconnected", len(members)))
}

// ClearPingInterval stops the heartbeat loop. Idempotent.
func (r *Room) ClearPingInterval() {
	r.mu.Lock()
	cancel := r.pingCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Size returns the current member count.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Terminated reports whether Terminate has run.
func (r *Room) Terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// Properties returns the current opaque room properties.
func (r *Room) Properties() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.properties
}

// SetProperties overwrites the room properties, last writer wins.
// Propagation to discovery nodes is not guaranteed after creation.
func (r *Room) SetProperties(properties json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.properties = properties
}

// KeepAlive reports whether the room survives its last leave.
func (r *Room) KeepAlive() bool {
	return r.opts.KeepAlive
}

// Summary builds the wire projection of the room. The client roster is
// included only when withClients is set.
func (r *Room) Summary(withClients bool) protocol.RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := protocol.RoomSummary{
		ID:         r.ID,
		PublicURL:  r.publicURL,
		Clients:    make(map[string]protocol.ClientSummary),
		Properties: r.properties,
	}
	if withClients {
		for id, c := range r.clients {
			summary.Clients[id] = c.Summary()
		}
	}
	return summary
}

// handleMessage routes an inbound application frame to message listeners.
func (r *Room) handleMessage(c *Client, data []byte) {
	r.mu.Lock()
	if _, exists := r.clients[c.ID]; !exists {
		r.mu.Unlock()
		return
	}
	handlers := append([]func(*Client, []byte){}, r.messageHandlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		h(c, data)
	}
}

func (r *Room) snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		members = append(members, c)
	}
	return members
}

// heartbeatLoop probes every member each PingInterval. A member whose
// missed counter has reached the limit is evicted; otherwise the counter
// is incremented and a ping frame is sent. Pongs reset the counter.
func (r *Room) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeClients()
		}
	}
}

func (r *Room) probeClients() {
	r.mu.Lock()
	var evict, probe []*Client
	for _, c := range r.clients {
		if c.missed() >= r.opts.MissedPingsLimit {
			evict = append(evict, c)
		} else {
			probe = append(probe, c)
		}
	}
	r.mu.Unlock()

	for _, c := range probe {
		c.markMissed()
		if err := c.ping(); err != nil {
			logging.Warn(c.ctx, "heartbeat ping failed",
				zap.String("room_id", r.ID), zap.Error(err))
			evict = append(evict, c)
		}
	}

	for _, c := range evict {
		logging.Info(c.ctx, "evicting unresponsive client",
			zap.String("room_id", r.ID), zap.Int("missed_pings", c.missed()))
		r.Leave(c)
	}
}

func cloneHandlers(handlers []func(*Client)) []func(*Client) {
	return append([]func(*Client){}, handlers...)
}
