package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-sync-relay/shared/config"
	"event-sync-relay/shared/transport"
)

func TestOptionsPreferSyncURI(t *testing.T) {
	opts, err := options(config.Config{
		SyncURI:   "redis://:secret@cache.internal:6380/3",
		RedisAddr: "localhost:6379",
	})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
}

func TestOptionsFallBackToRedisAddr(t *testing.T) {
	opts, err := options(config.Config{RedisAddr: "localhost:6379", RedisPassword: "pw", RedisDB: 2})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
}

func TestOptionsErrors(t *testing.T) {
	_, err := options(config.Config{})
	assert.Error(t, err)

	_, err = options(config.Config{SyncURI: "http://not-redis"})
	assert.Error(t, err)
}

func TestSubscribeUnreachable(t *testing.T) {
	bus, err := New(config.Config{RedisAddr: "127.0.0.1:1"})
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = bus.Subscribe(ctx, "feathers-sync", func(context.Context, string, []byte) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrTransport)
}

func TestClosedBusRefusesSubscribe(t *testing.T) {
	bus, err := New(config.Config{RedisAddr: "127.0.0.1:1"})
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err = bus.Subscribe(context.Background(), "feathers-sync", func(context.Context, string, []byte) {})
	assert.ErrorIs(t, err, transport.ErrTransport)
}
