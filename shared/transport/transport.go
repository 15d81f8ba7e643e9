package transport

import (
	"context"
	"errors"
)

// ErrTransport wraps broker connection, subscribe and publish failures.
var ErrTransport = errors.New("transport")

// Handler receives one inbound message. It is called from the port's receive
// goroutine, one message at a time per subscription.
type Handler func(ctx context.Context, topic string, payload []byte)

// Port is a broadcast publish/subscribe channel. Every subscriber of a topic,
// including the publisher's own process, receives every message.
type Port interface {
	// Publish sends payload to topic. Delivery is best effort.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns once the broker confirms the subscription (nil) or
	// refuses it (error). Messages are then handed to handler until ctx is
	// cancelled or the port is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	Close() error
}
