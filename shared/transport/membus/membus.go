// Package membus is an in-process transport.Port. Buses connected to the same
// Network see each other's messages, which stands in for separate processes
// sharing a broker.
package membus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"event-sync-relay/shared/transport"
)

var errClosed = errors.New("bus closed")

// Network is the shared broker.
type Network struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

func NewNetwork() *Network {
	return &Network{subs: make(map[string][]*subscriber)}
}

type subscriber struct {
	bus     *Bus
	ctx     context.Context
	handler transport.Handler
	queue   chan []byte
}

// Bus is one process's view of the Network.
type Bus struct {
	net          *Network
	subscribeErr error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithSubscribeError makes every Subscribe call fail with err.
func WithSubscribeError(err error) Option {
	return func(b *Bus) { b.subscribeErr = err }
}

// Connect attaches a new Bus to the network.
func (n *Network) Connect(opts ...Option) *Bus {
	b := &Bus{net: n, done: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: publish %s: %w", transport.ErrTransport, topic, errClosed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %w", transport.ErrTransport, topic, err)
	}

	msg := append([]byte(nil), payload...)
	b.net.mu.RLock()
	targets := append([]*subscriber(nil), b.net.subs[topic]...)
	b.net.mu.RUnlock()
	for _, s := range targets {
		select {
		case s.queue <- msg:
		case <-s.ctx.Done():
		case <-s.bus.done:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler transport.Handler) error {
	if b.subscribeErr != nil {
		return fmt.Errorf("%w: subscribe %s: %w", transport.ErrTransport, topic, b.subscribeErr)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: subscribe %s: %w", transport.ErrTransport, topic, errClosed)
	}
	s := &subscriber{bus: b, ctx: ctx, handler: handler, queue: make(chan []byte, 1024)}
	b.wg.Add(1)
	b.mu.Unlock()

	b.net.mu.Lock()
	b.net.subs[topic] = append(b.net.subs[topic], s)
	b.net.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer b.net.remove(topic, s)
		for {
			select {
			case msg := <-s.queue:
				s.handler(s.ctx, topic, msg)
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
	return nil
}

// Close detaches the bus and waits for its receive loops to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (n *Network) remove(topic string, s *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[topic]
	for i, cur := range subs {
		if cur == s {
			n.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(n.subs[topic]) == 0 {
		delete(n.subs, topic)
	}
}
