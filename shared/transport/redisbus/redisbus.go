// Package redisbus implements transport.Port over Redis pub/sub.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"event-sync-relay/shared/config"
	"event-sync-relay/shared/transport"
)

type Bus struct {
	redis *redis.Client

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// New connects using SYNC_URI when it is a redis URL, otherwise REDIS_ADDR.
func New(cfg config.Config) (*Bus, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	return &Bus{redis: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(client *redis.Client) *Bus {
	return &Bus{redis: client}
}

func options(cfg config.Config) (*redis.Options, error) {
	if uri := strings.TrimSpace(cfg.SyncURI); uri != "" {
		opts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("SYNC_URI: %w", err)
		}
		return opts, nil
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR or SYNC_URI is required")
	}
	return &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	if b == nil || b.redis == nil {
		return errors.New("redis client not initialized")
	}
	return b.redis.Ping(ctx).Err()
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b == nil || b.redis == nil {
		return fmt.Errorf("%w: redis client not initialized", transport.ErrTransport)
	}
	ctx, span := otel.Tracer("redisbus").Start(ctx, "redis.publish")
	span.SetAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()
	if err := b.redis.Publish(ctx, topic, payload).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: publish %s: %w", transport.ErrTransport, topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription. Messages are
// handled on one goroutine in arrival order until ctx ends or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler transport.Handler) error {
	if b == nil || b.redis == nil {
		return fmt.Errorf("%w: redis client not initialized", transport.ErrTransport)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: subscribe %s: bus closed", transport.ErrTransport, topic)
	}
	b.mu.Unlock()

	ps := b.redis.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("%w: subscribe %s: %w", transport.ErrTransport, topic, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return fmt.Errorf("%w: subscribe %s: bus closed", transport.ErrTransport, topic)
	}
	b.subs = append(b.subs, ps)
	b.wg.Add(1)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer b.wg.Done()
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				spanCtx, span := otel.Tracer("redisbus").Start(ctx, "redis.consume")
				span.SetAttributes(
					attribute.String("messaging.system", "redis"),
					attribute.String("messaging.destination", msg.Channel),
				)
				handler(spanCtx, msg.Channel, []byte(msg.Payload))
				span.End()
			}
		}
	}()
	return nil
}

// Close ends every subscription, waits for the receive loops and closes the
// client.
func (b *Bus) Close() error {
	if b == nil || b.redis == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()
	return b.redis.Close()
}
