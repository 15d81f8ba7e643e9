// Package fanout hands synced events to local subscribers. Delivery never
// blocks: a subscriber whose buffer is full loses the event and the loss is
// counted.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"event-sync-relay/shared/events"
	"event-sync-relay/shared/logx"
	"event-sync-relay/shared/metricsx"
)

const DefaultBuffer = 256

// Filter selects events by path and event name. Empty fields match anything.
type Filter struct {
	Path  string
	Event string
}

func (f Filter) Match(evt events.Event) bool {
	if f.Path != "" && f.Path != evt.Path {
		return false
	}
	if f.Event != "" && f.Event != evt.Event {
		return false
	}
	return true
}

type Subscription struct {
	ID     uuid.UUID
	filter Filter
	ch     chan events.Event
	hub    *Hub

	dropped   atomic.Int64
	closeOnce sync.Once
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan events.Event { return s.ch }

func (s *Subscription) Filter() Filter { return s.filter }

// Dropped reports events lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (s *Subscription) closeChannel() {
	s.closeOnce.Do(func() { close(s.ch) })
}

type Hub struct {
	logger logx.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

func NewHub(logger logx.Logger, defaultBuffer int) *Hub {
	if defaultBuffer <= 0 {
		defaultBuffer = DefaultBuffer
	}
	return &Hub{
		logger: logger.With(slog.String("component", "fanout")),
		buffer: defaultBuffer,
		subs:   make(map[uuid.UUID]*Subscription),
	}
}

// Subscribe registers a subscriber. buffer <= 0 uses the hub default. On a
// closed hub the returned subscription's channel is already closed.
func (h *Hub) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.buffer
	}
	s := &Subscription{
		ID:     uuid.New(),
		filter: filter,
		ch:     make(chan events.Event, buffer),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closeChannel()
		return s
	}
	h.subs[s.ID] = s
	metricsx.SetSubscribers(len(h.subs))
	return s
}

// Deliver offers evt to every matching subscriber and returns how many took
// it.
func (h *Hub) Deliver(ctx context.Context, evt events.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, s := range h.subs {
		if !s.filter.Match(evt) {
			continue
		}
		select {
		case s.ch <- evt:
			delivered++
		default:
			if s.dropped.Add(1) == 1 {
				h.logger.Warn(ctx, "subscriber_buffer_full", "subscriber buffer full, dropping events",
					slog.String("subscriber_id", s.ID.String()),
					slog.String("path", evt.Path),
					slog.String("sync_event", evt.Event),
				)
			}
			metricsx.IncSubscriberDrop()
		}
	}
	return delivered
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		s.closeChannel()
		delete(h.subs, id)
	}
	metricsx.SetSubscribers(0)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		metricsx.SetSubscribers(len(h.subs))
	}
	s.closeChannel()
}
