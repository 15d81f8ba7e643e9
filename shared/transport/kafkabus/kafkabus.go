// Package kafkabus implements transport.Port over Kafka. Every instance reads
// the topic with its own consumer group, so each message reaches every
// instance the way a pub/sub channel would.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"event-sync-relay/shared/config"
	"event-sync-relay/shared/logx"
	"event-sync-relay/shared/metricsx"
	"event-sync-relay/shared/transport"
)

const (
	fetchBackoff = 500 * time.Millisecond
	// Publish writes one message at a time and must not wait for a batch.
	batchTimeout = 10 * time.Millisecond
)

type Bus struct {
	writer  *kafka.Writer
	brokers []string
	groupID string
	logger  logx.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New builds the producer side. instanceID suffixes the consumer group.
func New(cfg config.Config, instanceID string, logger logx.Logger) (*Bus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if instanceID == "" {
		return nil, errors.New("instance id is required")
	}
	group := cfg.KafkaGroupID
	if group == "" {
		group = cfg.ServiceName
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  max(cfg.KafkaRetryMax, 1),
		BatchSize:    1,
		BatchTimeout: batchTimeout,
		WriteTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Bus{
		writer:  w,
		brokers: cfg.KafkaBrokers,
		groupID: group + "-" + instanceID,
		logger:  logger,
	}, nil
}

// GroupID is the consumer group this instance reads with.
func (b *Bus) GroupID() string { return b.groupID }

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b == nil || b.writer == nil {
		return fmt.Errorf("%w: producer not initialized", transport.ErrTransport)
	}
	ctx, span := otel.Tracer("kafkabus").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()
	if err := b.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: publish %s: %w", transport.ErrTransport, topic, err)
	}
	return nil
}

// Subscribe confirms the topic is readable on the first reachable broker,
// then starts a reader positioned at the end of the log.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler transport.Handler) error {
	if err := b.confirm(ctx, topic); err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", transport.ErrTransport, topic, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: subscribe %s: bus closed", transport.ErrTransport, topic)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     b.groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	loopCtx, cancel := context.WithCancel(ctx)
	b.readers = append(b.readers, reader)
	b.cancels = append(b.cancels, cancel)
	b.wg.Add(1)
	go b.consume(loopCtx, reader, topic, handler)
	return nil
}

func (b *Bus) confirm(ctx context.Context, topic string) error {
	var errs []error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		partitions, err := conn.ReadPartitions(topic)
		_ = conn.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(partitions) == 0 {
			return fmt.Errorf("topic %s has no partitions", topic)
		}
		return nil
	}
	return errors.Join(errs...)
}

func (b *Bus) consume(ctx context.Context, reader *kafka.Reader, topic string, handler transport.Handler) {
	defer b.wg.Done()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}

		spanCtx, span := otel.Tracer("kafkabus").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
		)
		handler(spanCtx, topic, msg.Value)
		span.End()

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, b.groupID, stats.Lag)
	}
}

// Close stops the readers, waits for their loops and flushes the writer.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers, cancels := b.readers, b.cancels
	b.readers, b.cancels = nil, nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.writer != nil {
		if err := b.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
