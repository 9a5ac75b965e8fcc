package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomgrid/roomgrid/internal/v1/bus"
	"github.com/roomgrid/roomgrid/internal/v1/protocol"
	"github.com/roomgrid/roomgrid/internal/v1/roomserver"
	"github.com/roomgrid/roomgrid/internal/v1/token"
)

const (
	testSecret = "test-secret-for-discovery"
	rs1        = "wss://rs-1.example.com"
	rs2        = "wss://rs-2.example.com"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestDiscovery(t *testing.T, b bus.Bus, mutate func(*Config)) *Discovery {
	t.Helper()
	cfg := Config{
		TokenSecret:    testSecret,
		ServerTimeout:  5 * time.Second,
		RequestTimeout: 200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(b, cfg)
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	return d
}

func publishPing(t *testing.T, b bus.Bus, p protocol.Ping) {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, b.Publish(protocol.SubjectPing, data))
}

func publishEvent(t *testing.T, b bus.Bus, ev protocol.ServerEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, b.Publish(protocol.SubjectEvent, data))
}

func waitForServers(t *testing.T, d *Discovery, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(d.Servers()) == n
	}, 2*time.Second, 5*time.Millisecond)
}

// mirrorRecorder captures every listener callback in arrival order.
type mirrorRecorder struct {
	mu      sync.Mutex
	entries []string
}

func recordMirror(d *Discovery) *mirrorRecorder {
	rec := &mirrorRecorder{}
	d.OnNewServer(func(url string) { rec.add("newServer:" + url) })
	d.OnServerRemoved(func(url string) { rec.add("serverRemoved:" + url) })
	d.OnNewRoom(func(room protocol.RoomSummary) { rec.add("newRoom:" + room.ID) })
	d.OnRoomRemoved(func(_, roomID string) { rec.add("roomRemoved:" + roomID) })
	d.OnRoomJoined(func(_, roomID string, c protocol.ClientSummary) {
		rec.add(fmt.Sprintf("roomJoined:%s:%s", roomID, c.ID))
	})
	d.OnRoomLeft(func(_, roomID string, c protocol.ClientSummary) {
		rec.add(fmt.Sprintf("roomLeft:%s:%s", roomID, c.ID))
	})
	return rec
}

func (r *mirrorRecorder) add(entry string) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *mirrorRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.entries...)
}

func (r *mirrorRecorder) count(entry string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == entry {
			n++
		}
	}
	return n
}

func (r *mirrorRecorder) waitFor(t *testing.T, entry string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.count(entry) > 0
	}, 2*time.Second, 5*time.Millisecond, "missing %q in %v", entry, r.snapshot())
}

func TestPingRegistersServerAndSyncsState(t *testing.T) {
	b := newTestBus(t)

	// Room server side of the state-sync request.
	_, err := b.Subscribe(protocol.RoomsSubject(rs1), func(msg bus.Msg) {
		rooms := map[string]protocol.RoomSummary{
			"standup": {
				ID:        "standup",
				PublicURL: rs1,
				Clients: map[string]protocol.ClientSummary{
					"alice": {ID: "alice"},
				},
			},
		}
		data, _ := json.Marshal(rooms)
		_ = b.Publish(msg.Reply, data)
	})
	require.NoError(t, err)

	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	publishPing(t, b, protocol.Ping{PublicURL: rs1, ClientCount: 1, Reset: true})

	rec.waitFor(t, "newServer:"+rs1)
	require.Eventually(t, func() bool {
		servers := d.Servers()
		return len(servers) == 1 && len(servers[0].Rooms) == 1
	}, 2*time.Second, 5*time.Millisecond)

	servers := d.Servers()
	require.Contains(t, servers[0].Rooms, "standup")
	assert.Contains(t, servers[0].Rooms["standup"].Clients, "alice")

	count, ok := d.GetClientCount(rs1)
	require.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestPingUpdatesClientCountWithoutReannouncing(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	publishPing(t, b, protocol.Ping{PublicURL: rs1, ClientCount: 0})
	waitForServers(t, d, 1)

	publishPing(t, b, protocol.Ping{PublicURL: rs1, ClientCount: 5})
	require.Eventually(t, func() bool {
		count, ok := d.GetClientCount(rs1)
		return ok && count == 5
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, rec.count("newServer:"+rs1))
}

func TestResetPingDiscardsStaleMirror(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	publishPing(t, b, protocol.Ping{PublicURL: rs1, ClientCount: 3})
	waitForServers(t, d, 1)

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "stale", Subject: protocol.EventNewRoom,
	})
	rec.waitFor(t, "newRoom:stale")

	// The server restarts: its first ping carries reset.
	publishPing(t, b, protocol.Ping{PublicURL: rs1, ClientCount: 0, Reset: true})

	require.Eventually(t, func() bool {
		servers := d.Servers()
		if len(servers) != 1 {
			return false
		}
		return servers[0].ClientCount == 0 && len(servers[0].Rooms) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Discarding the stale mirror is silent, but the fresh record is
	// announced again.
	assert.Equal(t, 2, rec.count("newServer:"+rs1))
	assert.Equal(t, 0, rec.count("serverRemoved:"+rs1))
	assert.Equal(t, 0, rec.count("roomRemoved:stale"))
}

func TestEventsForUnknownServerDropped(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: "wss://never-pinged.example.com",
		RoomID:    "ghost",
		Subject:   protocol.EventNewRoom,
	})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, d.Servers())
	assert.Empty(t, rec.snapshot())
}

func TestRoomLifecycleEvents(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	publishPing(t, b, protocol.Ping{PublicURL: rs1})
	waitForServers(t, d, 1)

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "standup", Subject: protocol.EventNewRoom,
		Properties: json.RawMessage(`{"topic":"daily"}`),
	})
	rec.waitFor(t, "newRoom:standup")

	// A duplicate announcement changes nothing.
	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "standup", Subject: protocol.EventNewRoom,
	})

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "standup", Subject: protocol.EventRoomJoined,
		Client: &protocol.ClientSummary{ID: "alice", Properties: json.RawMessage(`{"n":"A"}`)},
	})
	rec.waitFor(t, "roomJoined:standup:alice")

	// Departure of a client we never saw is silently dropped.
	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "standup", Subject: protocol.EventRoomLeft,
		Client: &protocol.ClientSummary{ID: "ghost"},
	})

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "standup", Subject: protocol.EventRoomLeft,
		Client: &protocol.ClientSummary{ID: "alice"},
	})
	rec.waitFor(t, "roomLeft:standup:alice")

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "standup", Subject: protocol.EventRoomRemoved,
	})
	rec.waitFor(t, "roomRemoved:standup")

	servers := d.Servers()
	require.Len(t, servers, 1)
	assert.Empty(t, servers[0].Rooms)

	assert.Equal(t, 1, rec.count("newRoom:standup"))
	assert.Equal(t, 0, rec.count("roomLeft:standup:ghost"))
}

func TestRoomRemovedEmitsLeftForMirroredClients(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	publishPing(t, b, protocol.Ping{PublicURL: rs1})
	waitForServers(t, d, 1)

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "r", Subject: protocol.EventNewRoom,
	})
	for _, id := range []string{"alice", "bob"} {
		publishEvent(t, b, protocol.ServerEvent{
			PublicURL: rs1, RoomID: "r", Subject: protocol.EventRoomJoined,
			Client: &protocol.ClientSummary{ID: id},
		})
	}
	rec.waitFor(t, "roomJoined:r:bob")

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "r", Subject: protocol.EventRoomRemoved,
	})
	rec.waitFor(t, "roomRemoved:r")

	entries := rec.snapshot()
	removedAt := -1
	var leftsBefore int
	for i, e := range entries {
		switch e {
		case "roomRemoved:r":
			removedAt = i
		case "roomLeft:r:alice", "roomLeft:r:bob":
			if removedAt == -1 {
				leftsBefore++
			}
		}
	}
	assert.Equal(t, 2, leftsBefore, "every mirrored client leaves before the room is removed")
}

func TestStopEvictsServerImmediately(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	publishPing(t, b, protocol.Ping{PublicURL: rs1})
	waitForServers(t, d, 1)

	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "r", Subject: protocol.EventNewRoom,
	})
	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "r", Subject: protocol.EventRoomJoined,
		Client: &protocol.ClientSummary{ID: "alice"},
	})
	rec.waitFor(t, "roomJoined:r:alice")

	data, err := protocol.EncodeStop(rs1)
	require.NoError(t, err)
	require.NoError(t, b.Publish(protocol.SubjectStop, data))

	rec.waitFor(t, "serverRemoved:"+rs1)
	assert.Empty(t, d.Servers())

	want := []string{"roomLeft:r:alice", "roomRemoved:r", "serverRemoved:" + rs1}
	entries := rec.snapshot()
	tail := entries[len(entries)-3:]
	assert.Equal(t, want, tail, "eviction cascade must end with roomLeft, roomRemoved, serverRemoved")
}

func TestLivenessEvictionAfterSilence(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, func(cfg *Config) {
		cfg.ServerTimeout = 60 * time.Millisecond
	})
	rec := recordMirror(d)

	publishPing(t, b, protocol.Ping{PublicURL: rs1})
	waitForServers(t, d, 1)

	// No further pings: the record goes stale and is evicted.
	rec.waitFor(t, "serverRemoved:"+rs1)
	assert.Empty(t, d.Servers())
}

func TestLeastLoadedBreaksTiesByInsertionOrder(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)

	publishPing(t, b, protocol.Ping{PublicURL: rs1, ClientCount: 1})
	waitForServers(t, d, 1)
	publishPing(t, b, protocol.Ping{PublicURL: rs2, ClientCount: 1})
	waitForServers(t, d, 2)

	best, ok := d.GetLeastLoadedServer()
	require.True(t, ok)
	assert.Equal(t, rs1, best.PublicURL, "ties go to the earliest-known server")

	publishPing(t, b, protocol.Ping{PublicURL: rs2, ClientCount: 0})
	require.Eventually(t, func() bool {
		best, ok := d.GetLeastLoadedServer()
		return ok && best.PublicURL == rs2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGetLeastLoadedServerEmptyFleet(t *testing.T) {
	d := newTestDiscovery(t, newTestBus(t), nil)
	_, ok := d.GetLeastLoadedServer()
	assert.False(t, ok)
}

func TestServersReturnsSnapshots(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)

	publishPing(t, b, protocol.Ping{PublicURL: rs1})
	waitForServers(t, d, 1)
	publishEvent(t, b, protocol.ServerEvent{
		PublicURL: rs1, RoomID: "r", Subject: protocol.EventNewRoom,
	})
	require.Eventually(t, func() bool {
		return len(d.Servers()[0].Rooms) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Mutating the snapshot must not leak into the mirror.
	snap := d.Servers()
	delete(snap[0].Rooms, "r")
	assert.Len(t, d.Servers()[0].Rooms, 1)
}

func TestGenerateTokenRoundTrip(t *testing.T) {
	d := newTestDiscovery(t, newTestBus(t), nil)

	signed, err := d.GenerateToken(token.Options{
		PublicURL: rs1,
		RoomID:    "standup",
		ClientID:  "alice",
		JoinOnly:  true,
	})
	require.NoError(t, err)

	claims, err := token.Verify(signed, testSecret)
	require.NoError(t, err)
	assert.Equal(t, rs1, claims.PublicURL)
	assert.Equal(t, "standup", claims.RoomID)
	assert.Equal(t, "alice", claims.ClientID)
	assert.True(t, claims.JoinOnly)
}

func TestGenerateTokenUsesConfiguredExpiry(t *testing.T) {
	d := newTestDiscovery(t, newTestBus(t), func(cfg *Config) {
		cfg.TokenExpiry = 2 * time.Minute
	})

	signed, err := d.GenerateToken(token.Options{
		PublicURL: rs1, RoomID: "r", ClientID: "c",
	})
	require.NoError(t, err)

	claims, err := token.Verify(signed, testSecret)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestStopIsIdempotentAndSilencesIngest(t *testing.T) {
	b := newTestBus(t)
	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	publishPing(t, b, protocol.Ping{PublicURL: rs1})
	waitForServers(t, d, 1)

	d.Stop()
	d.Stop()

	publishPing(t, b, protocol.Ping{PublicURL: rs2})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, rec.count("newServer:"+rs2))
	assert.Equal(t, 0, rec.count("serverRemoved:"+rs1))
}

func TestNewRequiresTokenSecret(t *testing.T) {
	_, err := New(newTestBus(t), Config{})
	assert.Error(t, err)
}

// End to end over one bus: a real room server announces itself, the
// discovery node mirrors it and evicts it on shutdown.
func TestMirrorsLiveRoomServer(t *testing.T) {
	b := newTestBus(t)

	cfg := roomserver.DefaultConfig(rs1, testSecret)
	cfg.BusPingInterval = 10 * time.Millisecond
	srv, err := roomserver.New(b, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	d := newTestDiscovery(t, b, nil)
	rec := recordMirror(d)

	rec.waitFor(t, "newServer:"+rs1)
	count, ok := d.GetClientCount(rs1)
	require.True(t, ok)
	assert.Equal(t, 0, count)

	require.NoError(t, srv.Shutdown(context.Background()))

	rec.waitFor(t, "serverRemoved:"+rs1)
	assert.Empty(t, d.Servers())
}
