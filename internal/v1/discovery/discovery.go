// Package discovery maintains an eventually-consistent mirror of the room
// server fleet, built from periodic pings and lifecycle events on the bus,
// and mints the join tokens that pin a client to one room server.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomgrid/roomgrid/internal/v1/bus"
	"github.com/roomgrid/roomgrid/internal/v1/logging"
	"github.com/roomgrid/roomgrid/internal/v1/metrics"
	"github.com/roomgrid/roomgrid/internal/v1/protocol"
	"github.com/roomgrid/roomgrid/internal/v1/token"
)

const (
	// defaultServerTimeout is how long a server may stay silent before it
	// is evicted from the mirror.
	defaultServerTimeout = 5 * time.Second

	// defaultRequestTimeout bounds the rooms.<publicUrl> state-sync
	// request. There is no retry; events fill the gap.
	defaultRequestTimeout = 2 * time.Second
)

// Config configures a Discovery node. TokenSecret is required.
type Config struct {
	// TokenSecret signs join tokens; shared with the room servers.
	TokenSecret string

	// TokenExpiry is the default token lifetime. Defaults to one minute.
	TokenExpiry time.Duration

	// ServerTimeout is the ping-silence eviction threshold. Defaults to 5s.
	ServerTimeout time.Duration

	// RequestTimeout bounds the initial state-sync request. Defaults to 2s.
	RequestTimeout time.Duration
}

// RoomServerRecord mirrors one remote room server. Values returned from
// the read API are snapshots; mutating them does not affect the mirror.
type RoomServerRecord struct {
	PublicURL   string                          `json:"publicUrl"`
	ClientCount int                             `json:"clientCount"`
	Rooms       map[string]protocol.RoomSummary `json:"rooms"`
	LastPing    time.Time                       `json:"lastPing"`
}

// Discovery aggregates the fleet's state.
//
// Listener callbacks run with the mirror's event lock held: they may use
// the read API but must not call Stop.
type Discovery struct {
	cfg    Config
	signer *token.Signer

	bus  bus.Bus
	subs []bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	// emitMu serialises ingest operations together with their event
	// emission. Always acquired before mu.
	emitMu sync.Mutex
	mu     sync.Mutex

	servers map[string]*RoomServerRecord
	order   []string // insertion order, breaks least-loaded ties deterministically
	stopped bool

	newServerHandlers     []func(publicURL string)
	serverRemovedHandlers []func(publicURL string)
	newRoomHandlers       []func(room protocol.RoomSummary)
	roomRemovedHandlers   []func(publicURL, roomID string)
	roomJoinedHandlers    []func(publicURL, roomID string, client protocol.ClientSummary)
	roomLeftHandlers      []func(publicURL, roomID string, client protocol.ClientSummary)
	broadcastHandlers     []func([]byte)
}

// New creates a Discovery node, subscribes it on the bus and starts the
// liveness loop.
func New(b bus.Bus, cfg Config) (*Discovery, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("discovery: TokenSecret is required")
	}
	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = token.DefaultExpiry
	}
	if cfg.ServerTimeout <= 0 {
		cfg.ServerTimeout = defaultServerTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Discovery{
		cfg:     cfg,
		signer:  token.NewSigner(cfg.TokenSecret, cfg.TokenExpiry),
		bus:     b,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(map[string]*RoomServerRecord),
	}

	for subject, handler := range map[string]bus.Handler{
		protocol.SubjectPing:      d.handlePing,
		protocol.SubjectEvent:     d.handleEvent,
		protocol.SubjectStop:      d.handleStop,
		protocol.SubjectBroadcast: d.handleBroadcast,
	} {
		sub, err := b.Subscribe(subject, handler)
		if err != nil {
			d.unsubscribeAll()
			cancel()
			return nil, fmt.Errorf("discovery: %w", err)
		}
		d.subs = append(d.subs, sub)
	}

	go d.livenessLoop(ctx)

	logging.Info(ctx, "discovery node started",
		zap.Duration("server_timeout", cfg.ServerTimeout))
	return d, nil
}

// GenerateToken mints a signed join token for the given options.
func (d *Discovery) GenerateToken(opts token.Options) (string, error) {
	signed, err := d.signer.Sign(opts)
	if err != nil {
		return "", err
	}
	metrics.TokensIssued.Inc()
	return signed, nil
}

// GetClientCount returns the most recently pinged client count of a
// server, if it is known.
func (d *Discovery) GetClientCount(publicURL string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.servers[publicURL]
	if !ok {
		return 0, false
	}
	return rec.ClientCount, true
}

// GetLeastLoadedServer returns a snapshot of the record with the smallest
// client count. Ties go to the earliest-known server.
func (d *Discovery) GetLeastLoadedServer() (RoomServerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var best *RoomServerRecord
	for _, url := range d.order {
		rec := d.servers[url]
		if best == nil || rec.ClientCount < best.ClientCount {
			best = rec
		}
	}
	if best == nil {
		return RoomServerRecord{}, false
	}
	return copyRecord(best), true
}

// Servers returns a snapshot of every mirrored record in insertion order.
func (d *Discovery) Servers() []RoomServerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	records := make([]RoomServerRecord, 0, len(d.order))
	for _, url := range d.order {
		records = append(records, copyRecord(d.servers[url]))
	}
	return records
}

// Broadcast publishes an opaque application message on the broadcast
// subject.
func (d *Discovery) Broadcast(data []byte) error {
	return d.bus.Publish(protocol.SubjectBroadcast, data)
}

// Stop unsubscribes everything and halts the liveness loop. Idempotent;
// no events are emitted during or after Stop.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.unsubscribeAll()
	logging.Info(d.ctx, "discovery node stopped")
}

// Event listener registration.

func (d *Discovery) OnNewServer(h func(publicURL string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newServerHandlers = append(d.newServerHandlers, h)
}

func (d *Discovery) OnServerRemoved(h func(publicURL string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serverRemovedHandlers = append(d.serverRemovedHandlers, h)
}

func (d *Discovery) OnNewRoom(h func(room protocol.RoomSummary)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newRoomHandlers = append(d.newRoomHandlers, h)
}

func (d *Discovery) OnRoomRemoved(h func(publicURL, roomID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roomRemovedHandlers = append(d.roomRemovedHandlers, h)
}

func (d *Discovery) OnRoomJoined(h func(publicURL, roomID string, client protocol.ClientSummary)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roomJoinedHandlers = append(d.roomJoinedHandlers, h)
}

func (d *Discovery) OnRoomLeft(h func(publicURL, roomID string, client protocol.ClientSummary)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roomLeftHandlers = append(d.roomLeftHandlers, h)
}

func (d *Discovery) OnBroadcast(h func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcastHandlers = append(d.broadcastHandlers, h)
}

// handlePing ingests the 1 Hz fleet heartbeat. An unknown server is
// recorded, announced and state-synced; a known one just gets its count
// and ping timestamp refreshed. reset=true drops any stale record first.
func (d *Discovery) handlePing(msg bus.Msg) {
	var ping protocol.Ping
	if err := json.Unmarshal(msg.Data, &ping); err != nil {
		logging.Warn(d.ctx, "dropping malformed ping", zap.Error(err))
		return
	}
	if ping.PublicURL == "" {
		return
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	if ping.Reset {
		// The server restarted: silently discard whatever we believed
		// about its previous life.
		if _, ok := d.servers[ping.PublicURL]; ok {
			delete(d.servers, ping.PublicURL)
			d.removeFromOrder(ping.PublicURL)
		}
	}

	if rec, ok := d.servers[ping.PublicURL]; ok {
		rec.ClientCount = ping.ClientCount
		rec.LastPing = time.Now()
		d.mu.Unlock()
		return
	}

	rec := &RoomServerRecord{
		PublicURL:   ping.PublicURL,
		ClientCount: ping.ClientCount,
		Rooms:       make(map[string]protocol.RoomSummary),
		LastPing:    time.Now(),
	}
	d.servers[ping.PublicURL] = rec
	d.order = append(d.order, ping.PublicURL)
	metrics.KnownServers.Set(float64(len(d.servers)))
	handlers := append([]func(string){}, d.newServerHandlers...)
	d.mu.Unlock()

	logging.Info(d.ctx, "discovered room server", zap.String("public_url", ping.PublicURL))
	for _, h := range handlers {
		h(ping.PublicURL)
	}

	go d.syncRooms(ping.PublicURL)
}

// syncRooms populates a fresh record via the rooms.<publicUrl> request.
// On failure the record stays empty until events fill it; there is no
// retry.
func (d *Discovery) syncRooms(publicURL string) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RequestTimeout)
	defer cancel()

	reply, err := d.bus.Request(ctx, protocol.RoomsSubject(publicURL), nil)
	if err != nil {
		logging.Warn(d.ctx, "rooms request failed, mirror stays empty until events arrive",
			zap.String("public_url", publicURL), zap.Error(err))
		return
	}

	var rooms map[string]protocol.RoomSummary
	if err := json.Unmarshal(reply, &rooms); err != nil {
		logging.Warn(d.ctx, "malformed rooms reply", zap.String("public_url", publicURL), zap.Error(err))
		return
	}
	for id, room := range rooms {
		if room.Clients == nil {
			room.Clients = make(map[string]protocol.ClientSummary)
			rooms[id] = room
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.servers[publicURL]; ok && !d.stopped {
		rec.Rooms = rooms
	}
}

// handleEvent ingests rs.event lifecycle notifications. Events for unknown
// servers or rooms are dropped: the ping path is authoritative for record
// creation and tolerates out-of-order arrival.
func (d *Discovery) handleEvent(msg bus.Msg) {
	var ev protocol.ServerEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		logging.Warn(d.ctx, "dropping malformed server event", zap.Error(err))
		return
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	rec, ok := d.servers[ev.PublicURL]
	if !ok {
		d.mu.Unlock()
		return
	}

	switch ev.Subject {
	case protocol.EventNewRoom:
		if _, exists := rec.Rooms[ev.RoomID]; exists {
			d.mu.Unlock()
			return
		}
		room := protocol.RoomSummary{
			ID:         ev.RoomID,
			PublicURL:  ev.PublicURL,
			Clients:    make(map[string]protocol.ClientSummary),
			Properties: ev.Properties,
		}
		rec.Rooms[ev.RoomID] = room
		handlers := append([]func(protocol.RoomSummary){}, d.newRoomHandlers...)
		d.mu.Unlock()
		for _, h := range handlers {
			h(copyRoom(room))
		}

	case protocol.EventRoomRemoved:
		room, exists := rec.Rooms[ev.RoomID]
		if !exists {
			d.mu.Unlock()
			return
		}
		delete(rec.Rooms, ev.RoomID)
		leftHandlers := append([]func(string, string, protocol.ClientSummary){}, d.roomLeftHandlers...)
		removedHandlers := append([]func(string, string){}, d.roomRemovedHandlers...)
		d.mu.Unlock()
		for _, client := range sortedClients(room) {
			for _, h := range leftHandlers {
				h(ev.PublicURL, ev.RoomID, client)
			}
		}
		for _, h := range removedHandlers {
			h(ev.PublicURL, ev.RoomID)
		}

	case protocol.EventRoomJoined:
		room, exists := rec.Rooms[ev.RoomID]
		if !exists || ev.Client == nil {
			d.mu.Unlock()
			return
		}
		room.Clients[ev.Client.ID] = *ev.Client
		handlers := append([]func(string, string, protocol.ClientSummary){}, d.roomJoinedHandlers...)
		d.mu.Unlock()
		for _, h := range handlers {
			h(ev.PublicURL, ev.RoomID, *ev.Client)
		}

	case protocol.EventRoomLeft:
		room, exists := rec.Rooms[ev.RoomID]
		if !exists || ev.Client == nil {
			d.mu.Unlock()
			return
		}
		if _, known := room.Clients[ev.Client.ID]; !known {
			d.mu.Unlock()
			return
		}
		delete(room.Clients, ev.Client.ID)
		handlers := append([]func(string, string, protocol.ClientSummary){}, d.roomLeftHandlers...)
		d.mu.Unlock()
		for _, h := range handlers {
			h(ev.PublicURL, ev.RoomID, *ev.Client)
		}

	default:
		d.mu.Unlock()
	}
}

// handleStop evicts the named server immediately instead of waiting for
// the ping timeout.
func (d *Discovery) handleStop(msg bus.Msg) {
	publicURL, err := protocol.DecodeStop(msg.Data)
	if err != nil {
		logging.Warn(d.ctx, "dropping malformed rs.stop", zap.Error(err))
		return
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.evict(publicURL, "rs.stop")
}

// handleBroadcast relays application broadcasts to local listeners.
func (d *Discovery) handleBroadcast(msg bus.Msg) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	handlers := append([]func([]byte){}, d.broadcastHandlers...)
	d.mu.Unlock()

	for _, h := range handlers {
		h(msg.Data)
	}
}

// evict tears down a server record, emitting roomLeft and roomRemoved for
// every mirrored room, then serverRemoved. Requires emitMu to be held.
func (d *Discovery) evict(publicURL, reason string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	rec, ok := d.servers[publicURL]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.servers, publicURL)
	d.removeFromOrder(publicURL)
	metrics.KnownServers.Set(float64(len(d.servers)))

	leftHandlers := append([]func(string, string, protocol.ClientSummary){}, d.roomLeftHandlers...)
	removedHandlers := append([]func(string, string){}, d.roomRemovedHandlers...)
	serverHandlers := append([]func(string){}, d.serverRemovedHandlers...)
	d.mu.Unlock()

	logging.Info(d.ctx, "evicting room server",
		zap.String("public_url", publicURL), zap.String("reason", reason))

	for _, roomID := range sortedRoomIDs(rec) {
		room := rec.Rooms[roomID]
		for _, client := range sortedClients(room) {
			for _, h := range leftHandlers {
				h(publicURL, roomID, client)
			}
		}
		for _, h := range removedHandlers {
			h(publicURL, roomID)
		}
	}
	for _, h := range serverHandlers {
		h(publicURL)
	}
}

// livenessLoop evicts servers whose pings have gone silent. It runs at
// half the timeout so a dead server is detected within 1.5x the timeout.
func (d *Discovery) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ServerTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evictStale()
		}
	}
}

func (d *Discovery) evictStale() {
	d.mu.Lock()
	now := time.Now()
	var stale []string
	for url, rec := range d.servers {
		if now.Sub(rec.LastPing) > d.cfg.ServerTimeout {
			stale = append(stale, url)
		}
	}
	d.mu.Unlock()

	sort.Strings(stale)
	for _, url := range stale {
		d.emitMu.Lock()
		d.evict(url, "ping timeout")
		d.emitMu.Unlock()
	}
}

func (d *Discovery) removeFromOrder(publicURL string) {
	for i, url := range d.order {
		if url == publicURL {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func (d *Discovery) unsubscribeAll() {
	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	d.subs = nil
}

func copyRecord(rec *RoomServerRecord) RoomServerRecord {
	out := RoomServerRecord{
		PublicURL:   rec.PublicURL,
		ClientCount: rec.ClientCount,
		Rooms:       make(map[string]protocol.RoomSummary, len(rec.Rooms)),
		LastPing:    rec.LastPing,
	}
	for id, room := range rec.Rooms {
		out.Rooms[id] = copyRoom(room)
	}
	return out
}

func copyRoom(room protocol.RoomSummary) protocol.RoomSummary {
	out := room
	out.Clients = make(map[string]protocol.ClientSummary, len(room.Clients))
	for id, c := range room.Clients {
		out.Clients[id] = c
	}
	return out
}

func sortedRoomIDs(rec *RoomServerRecord) []string {
	ids := make([]string, 0, len(rec.Rooms))
	for id := range rec.Rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedClients(room protocol.RoomSummary) []protocol.ClientSummary {
	ids := make([]string, 0, len(room.Clients))
	for id := range room.Clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	clients := make([]protocol.ClientSummary, 0, len(ids))
	for _, id := range ids {
		clients = append(clients, room.Clients[id])
	}
	return clients
}
