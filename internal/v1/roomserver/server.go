package roomserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomgrid/roomgrid/internal/v1/bus"
	"github.com/roomgrid/roomgrid/internal/v1/logging"
	"github.com/roomgrid/roomgrid/internal/v1/metrics"
	"github.com/roomgrid/roomgrid/internal/v1/protocol"
	"github.com/roomgrid/roomgrid/internal/v1/token"
	"github.com/roomgrid/roomgrid/internal/v1/transport"
)

// Admission errors.
var (
	errRoomTerminated    = errors.New("room is terminated")
	errDuplicateClientID = errors.New("client id already present in room")
)

const (
	// defaultBusPingInterval is the cadence of the fleet heartbeat.
	defaultBusPingInterval = time.Second

	// defaultAuthTimeout bounds the wait for the first (token) frame so a
	// half-open socket cannot hold an accept slot forever.
	defaultAuthTimeout = 10 * time.Second
)

// Config configures a RoomServer. PublicURL and TokenSecret are required.
type Config struct {
	// PublicURL is the externally reachable address clients dial. It must
	// be unique across the fleet; it doubles as the routing key on the bus.
	PublicURL string

	// TokenSecret verifies join tokens; shared with the discovery tier.
	TokenSecret string

	// SyncRooms publishes room lifecycle events on the bus.
	SyncRooms bool

	// SyncClients additionally publishes client join/leave events and
	// includes rosters in room-list replies. Ineffective when SyncRooms is
	// false.
	SyncClients bool

	// RoomOptions are the defaults applied to every created room.
	RoomOptions RoomOptions

	// BusPingInterval overrides the 1s fleet heartbeat, mainly for tests.
	BusPingInterval time.Duration

	// AuthTimeout overrides the first-frame read deadline.
	AuthTimeout time.Duration
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig(publicURL, tokenSecret string) Config {
	return Config{
		PublicURL:   publicURL,
		TokenSecret: tokenSecret,
		SyncRooms:   true,
		SyncClients: true,
	}
}

// RoomServer owns a set of rooms and the WebSocket clients inside them,
// one instance per process.
type RoomServer struct {
	cfg Config

	bus  bus.Bus
	subs []bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	rooms         map[string]*Room
	clientCount   int
	stopped       bool
	sentFirstPing bool

	broadcastHandlers []func([]byte)
	stopHandlers      []func()
}

// New creates a RoomServer, subscribes it on the bus and starts the fleet
// heartbeat.
func New(b bus.Bus, cfg Config) (*RoomServer, error) {
	if cfg.PublicURL == "" {
		return nil, errors.New("roomserver: PublicURL is required")
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("roomserver: TokenSecret is required")
	}
	if cfg.BusPingInterval <= 0 {
		cfg.BusPingInterval = defaultBusPingInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}

	ctx, cancel := context.WithCancel(
		context.WithValue(context.Background(), logging.PublicURLKey, cfg.PublicURL))
	s := &RoomServer{
		cfg:    cfg,
		bus:    b,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}

	sub, err := b.Subscribe(protocol.SubjectBroadcast, s.handleBroadcast)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("roomserver: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = b.Subscribe(protocol.RoomsSubject(cfg.PublicURL), s.handleRoomsRequest)
	if err != nil {
		s.unsubscribeAll()
		cancel()
		return nil, fmt.Errorf("roomserver: %w", err)
	}
	s.subs = append(s.subs, sub)

	go s.pingLoop(ctx)

	logging.Info(ctx, "room server started",
		zap.Bool("sync_rooms", cfg.SyncRooms), zap.Bool("sync_clients", cfg.SyncClients))
	return s, nil
}

// PublicURL returns the fleet-unique address of this server.
func (s *RoomServer) PublicURL() string {
	return s.cfg.PublicURL
}

// ClientCount returns the number of admitted clients across all rooms.
func (s *RoomServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCount
}

// Room returns the room with the given id, if present.
func (s *RoomServer) Room(id string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r, ok
}

// RoomCount returns the number of hosted rooms.
func (s *RoomServer) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// RoomSummaries builds the wire projection of every hosted room, keyed by
// room id. Rosters are included only when client sync is enabled.
func (s *RoomServer) RoomSummaries() map[string]protocol.RoomSummary {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	withClients := s.cfg.SyncRooms && s.cfg.SyncClients
	summaries := make(map[string]protocol.RoomSummary, len(rooms))
	for _, r := range rooms {
		summaries[r.ID] = r.Summary(withClients)
	}
	return summaries
}

// OnBroadcast registers a listener for application broadcasts relayed from
// the bus.
func (s *RoomServer) OnBroadcast(h func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastHandlers = append(s.broadcastHandlers, h)
}

// OnStop registers a listener invoked at the end of Shutdown.
func (s *RoomServer) OnStop(h func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopHandlers = append(s.stopHandlers, h)
}

// Broadcast publishes an opaque application message on the broadcast
// subject.
func (s *RoomServer) Broadcast(data []byte) error {
	return s.bus.Publish(protocol.SubjectBroadcast, data)
}

// HandleConnection runs the accept path for one socket: the first frame is
// the join token; anything that fails verification is answered with an
// error envelope and a close. It blocks until the client disconnects.
func (s *RoomServer) HandleConnection(conn transport.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}

	claims, err := token.Verify(string(frame), s.cfg.TokenSecret)
	if err != nil {
		s.reject(conn, err.Error())
		return
	}
	if claims.PublicURL != s.cfg.PublicURL {
		s.reject(conn, protocol.MsgWrongServer)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	room, err := s.resolveRoom(claims)
	if err != nil {
		s.reject(conn, err.Error())
		return
	}

	client := newClient(claims.ClientID, claims.ClientProperties, conn)
	conn.SetPongHandler(func(string) error {
		client.resetMissedPings()
		return nil
	})

	if err := room.admit(client); err != nil {
		if errors.Is(err, errDuplicateClientID) {
			s.reject(conn, protocol.MsgAlreadyConnected)
		} else {
			s.reject(conn, protocol.MsgServerStopping)
		}
		return
	}

	metrics.IncConnection()
	metrics.WebsocketEvents.WithLabelValues("admit", "ok").Inc()

	go client.writePump()
	s.readPump(room, client)
}

// resolveRoom reuses an existing room or creates one from the token. Room
// properties in the token are honoured only on creation; the first writer
// wins.
func (s *RoomServer) resolveRoom(claims *token.Claims) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, errors.New(protocol.MsgServerStopping)
	}
	if r, ok := s.rooms[claims.RoomID]; ok {
		return r, nil
	}
	if claims.JoinOnly {
		return nil, errors.New(protocol.MsgRoomDoesNotExist)
	}
	return s.createRoomLocked(claims.RoomID, claims.RoomProperties), nil
}

// createRoomLocked requires s.mu to be held.
func (s *RoomServer) createRoomLocked(id string, properties json.RawMessage) *Room {
	r := NewRoom(id, s.cfg.PublicURL, properties, s.cfg.RoomOptions)
	r.onEmpty = func(room *Room) { s.removeRoom(room.ID) }
	r.OnJoined(func(c *Client) { s.clientJoined(r, c) })
	r.OnLeft(func(c *Client) { s.clientLeft(r, c) })
	r.OnTerminated(func() { s.removeRoom(r.ID) })

	s.rooms[id] = r
	metrics.ActiveRooms.Inc()

	logging.Info(s.ctx, "room created", zap.String("room_id", id))
	s.publishEvent(protocol.ServerEvent{
		PublicURL:  s.cfg.PublicURL,
		RoomID:     id,
		Subject:    protocol.EventNewRoom,
		Properties: properties,
	})
	return r
}

// removeRoom finishes a teardown started by the room (terminated or last
// leave without keepAlive).
func (s *RoomServer) removeRoom(roomID string) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	r.ClearPingInterval()
	metrics.ActiveRooms.Dec()
	metrics.RoomClients.DeleteLabelValues(roomID)

	logging.Info(s.ctx, "room removed", zap.String("room_id", roomID))
	s.publishEvent(protocol.ServerEvent{
		PublicURL: s.cfg.PublicURL,
		RoomID:    roomID,
		Subject:   protocol.EventRoomRemoved,
	})
}

func (s *RoomServer) clientJoined(r *Room, c *Client) {
	s.mu.Lock()
	s.clientCount++
	s.mu.Unlock()

	summary := c.Summary()
	s.publishClientEvent(protocol.ServerEvent{
		PublicURL: s.cfg.PublicURL,
		RoomID:    r.ID,
		Subject:   protocol.EventRoomJoined,
		Client:    &summary,
	})
}

func (s *RoomServer) clientLeft(r *Room, c *Client) {
	s.mu.Lock()
	s.clientCount--
	s.mu.Unlock()

	metrics.DecConnection()
	summary := c.Summary()
	s.publishClientEvent(protocol.ServerEvent{
		PublicURL: s.cfg.PublicURL,
		RoomID:    r.ID,
		Subject:   protocol.EventRoomLeft,
		Client:    &summary,
	})
}

// readPump relays inbound text frames to the room until the socket dies,
// then drives cleanup through the close path.
func (s *RoomServer) readPump(r *Room, c *Client) {
	defer func() {
		r.Leave(c)
		_ = c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		r.handleMessage(c, data)
	}
}

// reject sends an authentication-failed envelope and closes the socket.
func (s *RoomServer) reject(conn transport.Conn, message string) {
	env := protocol.ErrorEnvelope{Error: protocol.ErrAuthenticationFailed, Message: message}
	data, err := json.Marshal(env)
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""),
		time.Now().Add(writeWait))
	_ = conn.Close()

	metrics.WebsocketEvents.WithLabelValues("admit", "rejected").Inc()
	logging.Warn(s.ctx, "rejected connection", zap.String("reason", message))
}

// pingLoop publishes the fleet heartbeat. The very first ping carries
// reset=true so discovery nodes discard any stale mirror of this server.
func (s *RoomServer) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BusPingInterval)
	defer ticker.Stop()

	s.publishPing()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishPing()
		}
	}
}

func (s *RoomServer) publishPing() {
	s.mu.Lock()
	first := !s.sentFirstPing
	s.sentFirstPing = true
	count := s.clientCount
	s.mu.Unlock()

	payload := protocol.Ping{PublicURL: s.cfg.PublicURL, ClientCount: count, Reset: first}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.bus.Publish(protocol.SubjectPing, data); err != nil {
		logging.Warn(s.ctx, "failed to publish ping", zap.Error(err))
	}
}

// handleRoomsRequest answers a discovery node's state-sync request with
// the current room list.
func (s *RoomServer) handleRoomsRequest(msg bus.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(s.RoomSummaries())
	if err != nil {
		logging.Error(s.ctx, "failed to marshal room summaries", zap.Error(err))
		return
	}
	if err := s.bus.Publish(msg.Reply, data); err != nil {
		logging.Warn(s.ctx, "failed to reply to rooms request", zap.Error(err))
	}
}

// handleBroadcast re-emits application broadcasts to local listeners.
func (s *RoomServer) handleBroadcast(msg bus.Msg) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	handlers := append([]func([]byte){}, s.broadcastHandlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg.Data)
	}
}

// publishEvent publishes a room lifecycle event when room sync is enabled.
func (s *RoomServer) publishEvent(ev protocol.ServerEvent) {
	if !s.cfg.SyncRooms {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(protocol.SubjectEvent, data); err != nil {
		logging.Warn(s.ctx, "failed to publish server event",
			zap.String("subject", string(ev.Subject)), zap.Error(err))
	}
}

// publishClientEvent publishes a client lifecycle event when both room and
// client sync are enabled.
func (s *RoomServer) publishClientEvent(ev protocol.ServerEvent) {
	if !s.cfg.SyncClients {
		return
	}
	s.publishEvent(ev)
}

// Shutdown stops accepting sockets, tears down every room (disconnecting
// its members), stops the heartbeat, announces rs.stop and signals local
// stop listeners. Safe to call once.
func (s *RoomServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	stopHandlers := append([]func(){}, s.stopHandlers...)
	s.mu.Unlock()

	logging.Info(ctx, "shutting down room server, closing all rooms",
		zap.String("public_url", s.cfg.PublicURL), zap.Int("rooms", len(rooms)))

	for _, r := range rooms {
		r.Terminate()
	}

	s.cancel()

	data, err := protocol.EncodeStop(s.cfg.PublicURL)
	if err == nil {
		if err := s.bus.Publish(protocol.SubjectStop, data); err != nil {
			logging.Warn(ctx, "failed to publish rs.stop", zap.Error(err))
		}
	}

	s.unsubscribeAll()

	for _, h := range stopHandlers {
		h()
	}

	logging.Info(ctx, "room server stopped", zap.String("public_url", s.cfg.PublicURL))
	return nil
}

func (s *RoomServer) unsubscribeAll() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}
