package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-sync-relay/shared/authx"
	"event-sync-relay/shared/config"
)

func TestNewVerifier(t *testing.T) {
	v, problems := newVerifier(config.Config{})
	assert.Nil(t, v)
	assert.Empty(t, problems)

	v, problems = newVerifier(config.Config{AuthSecret: "s3cret"})
	require.Empty(t, problems)
	assert.IsType(t, &authx.HMACVerifier{}, v)

	oidc := config.Config{
		OIDCIssuer:     "https://id.example.com",
		OIDCAudience:   "event-sync-relay",
		JWKSTTLSeconds: 300,
	}
	v, problems = newVerifier(oidc)
	require.Empty(t, problems)
	assert.IsType(t, &authx.JWTVerifier{}, v)

	oidc.AuthSecret = "s3cret"
	v, problems = newVerifier(oidc)
	require.Empty(t, problems)
	chain, ok := v.(authx.Chain)
	require.True(t, ok)
	assert.Len(t, chain, 2)
}

func TestRunReturnsWhenSubscribeFails(t *testing.T) {
	t.Setenv("ENV", "unittest")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("SYNC_TRANSPORT", "redis")
	t.Setenv("SYNC_URI", "")
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("OTEL_ENABLED", "false")

	assert.Error(t, run())
}
