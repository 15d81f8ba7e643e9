// Package syncx wires a transport, the codec and the coalescing engine into
// the relay every instance runs: local events go out on the shared topic,
// events from the topic come back in, possibly merged, to local subscribers.
package syncx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"event-sync-relay/shared/codec"
	"event-sync-relay/shared/coalesce"
	"event-sync-relay/shared/config"
	"event-sync-relay/shared/events"
	"event-sync-relay/shared/logx"
	"event-sync-relay/shared/metricsx"
	"event-sync-relay/shared/transport"
)

var (
	ErrNotReady       = errors.New("relay not ready")
	ErrClosed         = errors.New("relay closed")
	ErrAlreadyStarted = errors.New("relay already started")
)

type Config struct {
	Topic    string
	Rules    []coalesce.Rule
	Interval time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Topic:    cfg.SyncTopic,
		Rules:    cfg.MergeRules,
		Interval: cfg.MergeInterval,
	}
}

// Sink receives inbound events and reports how many local consumers took
// each one.
type Sink interface {
	Deliver(ctx context.Context, evt events.Event) int
}

type Stats struct {
	Published      int64 `json:"published"`
	Received       int64 `json:"received"`
	DecodeFailures int64 `json:"decode_failures"`
	Delivered      int64 `json:"delivered"`
	PendingGroups  int   `json:"pending_groups"`
}

type Option func(*options)

type options struct {
	scheduler coalesce.Scheduler
}

// WithScheduler swaps the merge timer source.
func WithScheduler(s coalesce.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

type Relay struct {
	cfg    Config
	port   transport.Port
	sink   Sink
	logger logx.Logger
	engine *coalesce.Engine

	started   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error
	closeOnce sync.Once
	closeErr  error

	// flushCtx is used for merged deliveries, which run on timer goroutines.
	mu       sync.Mutex
	flushCtx context.Context

	published      atomic.Int64
	received       atomic.Int64
	decodeFailures atomic.Int64
	delivered      atomic.Int64
}

func New(cfg Config, port transport.Port, sink Sink, logger logx.Logger, opts ...Option) *Relay {
	if cfg.Topic == "" {
		cfg.Topic = events.DefaultTopic
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	r := &Relay{
		cfg:      cfg,
		port:     port,
		sink:     sink,
		logger:   logger.With(slog.String("component", "relay"), slog.String("topic", cfg.Topic)),
		ready:    make(chan struct{}),
		flushCtx: context.Background(),
	}
	engineOpts := []coalesce.Option{coalesce.WithInterval(cfg.Interval)}
	if o.scheduler != nil {
		engineOpts = append(engineOpts, coalesce.WithScheduler(o.scheduler))
	}
	r.engine = coalesce.New(cfg.Rules, r.deliverMerged, engineOpts...)
	return r
}

// Start subscribes to the topic. It resolves the readiness handle either
// way; a failure here is meant to stop the host.
func (r *Relay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	r.mu.Lock()
	r.flushCtx = context.WithoutCancel(ctx)
	r.mu.Unlock()

	if err := r.port.Subscribe(ctx, r.cfg.Topic, r.handle); err != nil {
		r.logger.Error(ctx, "sync_subscribe_failed", "subscription to sync topic failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		r.resolve(err)
		return err
	}
	r.resolve(nil)
	r.logger.Info(ctx, "sync_ready", "subscribed to sync topic",
		slog.Int("merge_rules", len(r.cfg.Rules)),
		slog.Duration("merge_interval", r.engine.Interval()),
	)
	return nil
}

func (r *Relay) resolve(err error) {
	r.readyOnce.Do(func() {
		r.readyErr = err
		close(r.ready)
	})
}

// Ready blocks until Start has confirmed or failed the subscription.
func (r *Relay) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.readyErr
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}

// IsReady is the non-blocking form of Ready.
func (r *Relay) IsReady() bool {
	select {
	case <-r.ready:
		return r.readyErr == nil
	default:
		return false
	}
}

// Publish sends a local event to every instance, this one included. Failures
// are returned and logged, never retried.
func (r *Relay) Publish(ctx context.Context, evt events.Event) error {
	payload, err := codec.Encode(evt)
	if err != nil {
		metricsx.IncPublished(metricsx.PublishEncodeError)
		r.logger.Error(ctx, "sync_encode_failed", "failed to encode event",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("path", evt.Path),
			slog.String("sync_event", evt.Event),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err := r.port.Publish(ctx, r.cfg.Topic, payload); err != nil {
		metricsx.IncPublished(metricsx.PublishTransportError)
		r.logger.Error(ctx, "sync_publish_failed", "failed to publish event",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("path", evt.Path),
			slog.String("sync_event", evt.Event),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, transport.ErrTransport) {
			err = fmt.Errorf("%w: %w", transport.ErrTransport, err)
		}
		return err
	}
	metricsx.IncPublished(metricsx.PublishOK)
	r.published.Add(1)
	r.logger.Debug(ctx, "sync_published", "event published",
		slog.String("path", evt.Path),
		slog.String("sync_event", evt.Event),
	)
	return nil
}

func (r *Relay) handle(ctx context.Context, topic string, payload []byte) {
	if topic != r.cfg.Topic {
		return
	}
	r.received.Add(1)
	metricsx.IncReceived()

	evt, err := codec.Decode(payload)
	if err != nil {
		r.decodeFailures.Add(1)
		metricsx.IncDecodeFailure()
		r.logger.Warn(ctx, "sync_decode_failed", "dropping undecodable payload",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.Int("payload_bytes", len(payload)),
			slog.String("error", err.Error()),
		)
		return
	}

	if r.engine.Ingest(evt) == coalesce.Immediate {
		r.deliver(ctx, evt, metricsx.DeliveryImmediate)
		return
	}
	metricsx.SetPendingGroups(r.engine.Pending())
}

func (r *Relay) deliverMerged(evt events.Event) {
	if list, ok := evt.Data[events.MergedListKey].([]map[string]any); ok {
		metricsx.ObserveFlushSize(len(list))
	}
	metricsx.SetPendingGroups(r.engine.Pending())
	r.mu.Lock()
	ctx := r.flushCtx
	r.mu.Unlock()
	r.deliver(ctx, evt, metricsx.DeliveryMerged)
}

func (r *Relay) deliver(ctx context.Context, evt events.Event, kind string) {
	r.delivered.Add(1)
	metricsx.IncDelivered(kind)
	if r.sink == nil {
		return
	}
	n := r.sink.Deliver(ctx, evt)
	r.logger.Debug(ctx, "sync_delivered", "event delivered",
		slog.String("path", evt.Path),
		slog.String("sync_event", evt.Event),
		slog.String("kind", kind),
		slog.Int("subscribers", n),
	)
}

func (r *Relay) Stats() Stats {
	return Stats{
		Published:      r.published.Load(),
		Received:       r.received.Load(),
		DecodeFailures: r.decodeFailures.Load(),
		Delivered:      r.delivered.Load(),
		PendingGroups:  r.engine.Pending(),
	}
}

// Close abandons pending merges, then closes the transport.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.resolve(ErrClosed)
		dropped := r.engine.Close()
		metricsx.SetPendingGroups(0)
		if dropped > 0 {
			metricsx.AddFragmentsDropped(dropped)
			r.logger.Warn(context.Background(), "sync_merge_abandoned", "pending merged events dropped on shutdown",
				slog.Int("fragments", dropped),
			)
		}
		r.closeErr = r.port.Close()
	})
	return r.closeErr
}
