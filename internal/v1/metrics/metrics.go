package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the roomgrid fleet.
//
// Naming convention: namespace_subsystem_name
// - namespace: roomgrid (application-level grouping)
// - subsystem: websocket, room, bus, discovery (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, known servers)
// - Counter: Cumulative events (messages relayed, rejections)

var (
	// ActiveWebSocketConnections tracks the current number of admitted WebSocket clients
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomgrid",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms hosted by this room server
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomgrid",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomClients tracks the number of clients in each room
	RoomClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomgrid",
		Subsystem: "room",
		Name:      "clients_count",
		Help:      "Number of clients in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks admissions, rejections and disconnects
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomgrid",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket lifecycle events processed",
	}, []string{"event_type", "status"})

	// BusMessages tracks traffic on the shared message bus
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomgrid",
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Total messages published to or received from the bus",
	}, []string{"subject", "direction"})

	// KnownServers tracks the size of a discovery node's mirror
	KnownServers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomgrid",
		Subsystem: "discovery",
		Name:      "known_servers",
		Help:      "Number of room servers currently mirrored by this discovery node",
	})

	// TokensIssued tracks join tokens minted by this discovery node
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomgrid",
		Subsystem: "discovery",
		Name:      "tokens_issued_total",
		Help:      "Total join tokens issued",
	})

	// CircuitBreakerState tracks the bus circuit breaker (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomgrid",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomgrid",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations dropped because the circuit breaker was open",
	}, []string{"backend"})

	// RateLimitExceeded counts rejected WebSocket connection attempts
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomgrid",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Connection attempts rejected by the rate limiter",
	}, []string{"limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
