package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-sync-relay/shared/config"
)

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{ServiceName: "event-sync-relay"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracerConfigFrom(t *testing.T) {
	tc := TracerConfigFrom(config.Config{
		ServiceName:     "event-sync-relay",
		Env:             "prod",
		OtelEndpoint:    "collector:4317",
		OtelInsecure:    true,
		OtelSampleRatio: 0.25,
	}, "1.0.0")
	assert.Equal(t, TracerConfig{
		ServiceName: "event-sync-relay",
		Env:         "prod",
		Version:     "1.0.0",
		Endpoint:    "collector:4317",
		Insecure:    true,
		SampleRatio: 0.25,
	}, tc)
}
