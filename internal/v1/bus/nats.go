package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/roomgrid/roomgrid/internal/v1/logging"
	"github.com/roomgrid/roomgrid/internal/v1/metrics"
)

// Compile-time check that NATSBus implements Bus.
var _ Bus = (*NATSBus)(nil)

// NATSBus implements Bus on a native NATS connection. Publish and Request
// are wrapped in a circuit breaker so a flapping broker degrades to dropped
// messages instead of blocking the room server's hot paths.
type NATSBus struct {
	conn *nats.Conn
	cb   *gobreaker.CircuitBreaker
}

// Connect dials NATS and returns a ready bus.
func Connect(url string, opts ...nats.Option) (*NATSBus, error) {
	defaults := []nats.Option{
		nats.Name("roomgrid"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	conn, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("bus: failed to connect to NATS: %w", err)
	}
	return NewNATSBus(conn), nil
}

// NewNATSBus wraps an existing NATS connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	st := gobreaker.Settings{
		Name:        "nats",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("nats").Set(stateVal)
		},
	}

	return &NATSBus{
		conn: conn,
		cb:   gobreaker.NewCircuitBreaker(st),
	}
}

// Publish sends data on a subject, fire-and-forget.
func (b *NATSBus) Publish(subject string, data []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.conn.Publish(subject, data)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("nats").Inc()
			logging.Warn(context.Background(), "bus circuit breaker open, dropping publish", zap.String("subject", subject))
			return nil // graceful degradation: drop, don't crash the caller
		}
		return fmt.Errorf("bus: publish on %q failed: %w", subject, err)
	}
	metrics.BusMessages.WithLabelValues(subject, "out").Inc()
	return nil
}

// Subscribe registers a handler for a subject.
func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		metrics.BusMessages.WithLabelValues(subject, "in").Inc()
		deliver(h, Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe on %q failed: %w", subject, err)
	}
	return sub, nil
}

// Request publishes and waits for the first reply or ctx expiry.
func (b *NATSBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.conn.RequestWithContext(ctx, subject, data)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("nats").Inc()
		}
		return nil, fmt.Errorf("bus: request on %q failed: %w", subject, err)
	}
	metrics.BusMessages.WithLabelValues(subject, "out").Inc()
	return res.(*nats.Msg).Data, nil
}

// Ping flushes the connection to verify the broker is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("bus: NATS connection is %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight messages and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("bus: drain failed: %w", err)
	}
	return nil
}

// deliver invokes a handler, recovering panics so one bad callback cannot
// kill the subscription.
func deliver(h Handler, msg Msg) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "recovered from panic in bus handler",
				zap.String("subject", msg.Subject), zap.Any("panic", r))
		}
	}()
	h(msg)
}
