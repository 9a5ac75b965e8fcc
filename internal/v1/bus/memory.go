package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Compile-time check that MemoryBus implements Bus.
var _ Bus = (*MemoryBus)(nil)

// subscription buffer; deliveries beyond this are dropped like a slow
// NATS consumer.
const memorySubBuffer = 256

// MemoryBus is an in-process Bus used by tests and single-process
// embeddings. Each subscription drains its own FIFO buffer on a dedicated
// goroutine, matching the asynchronous delivery of the NATS client.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	once    sync.Once

	mu     sync.Mutex
	ch     chan Msg
	closed bool
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

// trySend enqueues a message unless the subscription is closed or its
// buffer is full.
func (s *memorySub) trySend(msg Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default: // slow consumer, drop
	}
}

func (s *memorySub) run(h Handler) {
	for msg := range s.ch {
		deliver(h, msg)
	}
}

// Publish sends data on a subject, fire-and-forget.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus: memory bus is closed")
	}
	subs := make([]*memorySub, len(b.subs[subject]))
	copy(subs, b.subs[subject])
	b.mu.Unlock()

	msg := Msg{Subject: subject, Data: data}
	for _, s := range subs {
		s.trySend(msg)
	}
	return nil
}

// Subscribe registers a handler for a subject.
func (b *MemoryBus) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus: memory bus is closed")
	}

	s := &memorySub{bus: b, subject: subject, ch: make(chan Msg, memorySubBuffer)}
	b.subs[subject] = append(b.subs[subject], s)
	go s.run(h)
	return s, nil
}

// Request publishes with a unique reply inbox and waits for the first
// reply or ctx expiry.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	inbox := "_inbox." + uuid.NewString()
	replyCh := make(chan []byte, 1)

	sub, err := b.Subscribe(inbox, func(msg Msg) {
		select {
		case replyCh <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus: memory bus is closed")
	}
	subs := make([]*memorySub, len(b.subs[subject]))
	copy(subs, b.subs[subject])
	b.mu.Unlock()

	if len(subs) == 0 {
		return nil, errors.New("bus: no responders on " + subject)
	}

	msg := Msg{Subject: subject, Reply: inbox, Data: data}
	for _, s := range subs {
		s.trySend(msg)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping always succeeds while the bus is open.
func (b *MemoryBus) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus: memory bus is closed")
	}
	return nil
}

// Close tears down every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, s := range all {
		s.once.Do(func() {
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
	return nil
}

func (b *MemoryBus) remove(target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.subject]
	for i, s := range subs {
		if s == target {
			b.subs[target.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
