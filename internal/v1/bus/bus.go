// Package bus abstracts the topic-based message bus that couples room
// servers and discovery nodes. The core only depends on the Bus interface;
// the NATS implementation is the production transport and the in-process
// implementation serves tests and single-process embeddings.
package bus

import "context"

// Msg is a single delivery from the bus.
type Msg struct {
	Subject string
	Reply   string // reply inbox for request/reply traffic, empty otherwise
	Data    []byte
}

// Handler consumes deliveries for one subscription. A handler that panics
// is recovered and logged; the subscription stays alive.
type Handler func(msg Msg)

// Subscription is a live interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the pub/sub surface consumed by room servers and discovery nodes.
type Bus interface {
	// Publish sends data on a subject, fire-and-forget.
	Publish(subject string, data []byte) error

	// Subscribe registers a handler for a subject. Deliveries to a single
	// subscription are FIFO per publisher.
	Subscribe(subject string, h Handler) (Subscription, error)

	// Request publishes and waits for the first reply or ctx expiry.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
