package fanout

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-sync-relay/shared/events"
	"event-sync-relay/shared/logx"
)

func evt(path, name string, n int) events.Event {
	return events.Event{Path: path, Event: name, Data: map[string]any{"n": n}}
}

func TestFilterMatch(t *testing.T) {
	e := evt("messages", "created", 1)
	assert.True(t, Filter{}.Match(e))
	assert.True(t, Filter{Path: "messages"}.Match(e))
	assert.True(t, Filter{Event: "created"}.Match(e))
	assert.True(t, Filter{Path: "messages", Event: "created"}.Match(e))
	assert.False(t, Filter{Path: "rooms"}.Match(e))
	assert.False(t, Filter{Path: "messages", Event: "removed"}.Match(e))
}

func TestDeliverRoutesByFilter(t *testing.T) {
	hub := NewHub(logx.Discard(), 8)
	defer hub.Close()
	all := hub.Subscribe(Filter{}, 0)
	rooms := hub.Subscribe(Filter{Path: "rooms"}, 0)

	ctx := context.Background()
	assert.Equal(t, 1, hub.Deliver(ctx, evt("messages", "created", 1)))
	assert.Equal(t, 2, hub.Deliver(ctx, evt("rooms", "patched", 2)))

	require.Len(t, all.Events(), 2)
	require.Len(t, rooms.Events(), 1)
	assert.Equal(t, "messages", (<-all.Events()).Path)
	assert.Equal(t, "rooms", (<-all.Events()).Path)
	assert.Equal(t, "patched", (<-rooms.Events()).Event)
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(logx.Discard(), 8)
	defer hub.Close()
	slow := hub.Subscribe(Filter{}, 2)
	fast := hub.Subscribe(Filter{}, 16)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		hub.Deliver(ctx, evt("messages", "created", i))
	}
	assert.Equal(t, int64(3), slow.Dropped())
	assert.Equal(t, int64(0), fast.Dropped())
	assert.Len(t, fast.Events(), 5)

	first := <-slow.Events()
	assert.Equal(t, 0, first.Data["n"])
}

func TestSubscriptionClose(t *testing.T) {
	hub := NewHub(logx.Discard(), 4)
	defer hub.Close()
	sub := hub.Subscribe(Filter{}, 0)
	assert.Equal(t, 1, hub.Len())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Len())
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Deliver(context.Background(), evt("a", "b", 0)))
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(logx.Discard(), 4)
	sub := hub.Subscribe(Filter{}, 0)
	hub.Close()
	hub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	sub.Close()

	late := hub.Subscribe(Filter{}, 0)
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestConcurrentDeliverAndUnsubscribe(t *testing.T) {
	hub := NewHub(logx.Discard(), 4)
	defer hub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		sub := hub.Subscribe(Filter{}, 1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				hub.Deliver(context.Background(), evt("messages", "created", j))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Len())
}
