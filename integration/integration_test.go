//go:build integration

package integration

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"event-sync-relay/shared/coalesce"
	"event-sync-relay/shared/config"
	"event-sync-relay/shared/events"
	"event-sync-relay/shared/logx"
	"event-sync-relay/shared/syncx"
	"event-sync-relay/shared/transport"
	"event-sync-relay/shared/transport/kafkabus"
	"event-sync-relay/shared/transport/redisbus"
)

type sink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *sink) Deliver(_ context.Context, evt events.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, evt)
	return 1
}

func (s *sink) snapshot() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.got...)
}

// roundTrip runs two relays on separate ports and checks that an unmatched
// event arrives immediately and matched events arrive merged.
func roundTrip(t *testing.T, ctx context.Context, topic string, settle time.Duration, portA, portB transport.Port) {
	t.Helper()
	cfg := syncx.Config{
		Topic:    topic,
		Rules:    []coalesce.Rule{{Event: "created", Path: "messages", GroupingField: "roomId"}},
		Interval: 300 * time.Millisecond,
	}
	a := syncx.New(cfg, portA, &sink{}, logx.Discard())
	received := &sink{}
	b := syncx.New(cfg, portB, received, logx.Discard())
	defer a.Close()
	defer b.Close()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("relay a start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("relay b start: %v", err)
	}

	// Kafka readers start at the log end once their group has joined.
	time.Sleep(settle)

	publish := func(evt events.Event) {
		if err := a.Publish(ctx, evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(events.Event{Path: "rooms", Event: "patched", Data: map[string]any{"id": "r1"}})
	for i := 0; i < 3; i++ {
		publish(events.Event{Path: "messages", Event: "created", Data: map[string]any{"roomId": 5, "n": i}})
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		got := received.snapshot()
		if len(got) == 2 {
			list, _ := got[1].Data[events.MergedListKey].([]map[string]any)
			if got[0].Path != "rooms" || len(list) != 3 {
				t.Fatalf("unexpected deliveries: %+v", got)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected immediate and merged deliveries, got %+v", received.snapshot())
}

func TestRedisRoundTrip(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = client.Close()

	cfg := config.Config{RedisAddr: redisAddr}
	portA, err := redisbus.New(cfg)
	if err != nil {
		t.Fatalf("redis bus a: %v", err)
	}
	portB, err := redisbus.New(cfg)
	if err != nil {
		t.Fatalf("redis bus b: %v", err)
	}
	roundTrip(t, ctx, "feathers-sync-it-"+uuid.NewString(), 0, portA, portB)
}

func TestKafkaRoundTrip(t *testing.T) {
	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	topic := "feathers-sync-it-" + uuid.NewString()
	conn, err := kafka.DialContext(ctx, "tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	err = conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	_ = conn.Close()
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}

	cfg := config.Config{KafkaBrokers: brokers, KafkaGroupID: "sync-it", KafkaRetryMax: 3, KafkaWriteMS: 10}
	portA, err := kafkabus.New(cfg, uuid.NewString(), logx.Discard())
	if err != nil {
		t.Fatalf("kafka bus a: %v", err)
	}
	portB, err := kafkabus.New(cfg, uuid.NewString(), logx.Discard())
	if err != nil {
		t.Fatalf("kafka bus b: %v", err)
	}
	roundTrip(t, ctx, topic, 10*time.Second, portA, portB)
}
