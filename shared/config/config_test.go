package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"event-sync-relay/shared/coalesce"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ENV", "CONFIG_PATH", "SERVICE_NAME", "HTTP_PORT", "PORT", "LOG_LEVEL",
		"SYNC_TRANSPORT", "SYNC_URI", "SYNC_TOPIC", "MERGE_RULES", "MERGE_INTERVAL_MS",
		"SUBSCRIBER_BUFFER", "INGEST_RPS", "INGEST_BURST", "SYNC_AUTH_SECRET",
		"KAFKA_BROKERS", "KAFKA_CONSUMER_GROUP", "REDIS_ADDR", "REDIS_DB",
		"OTEL_ENABLED", "OTEL_SAMPLE_RATIO", "OIDC_ISSUER", "OIDC_AUDIENCE", "OIDC_JWKS_URL",
		"JWKS_CACHE_TTL_SECONDS", "KAFKA_WRITE_TIMEOUT_MS",
	} {
		t.Setenv(key, "")
	}
}

func hasProblem(problems []Problem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseRulesAcceptsAlias(t *testing.T) {
	rules, err := parseRules([]byte(`[
		{"event":"created","path":"messages","propertyForGrouping":"roomId"},
		{"event":"patched","path":"rooms","grouping_field":"id","propertyForGrouping":"ignored"},
		{"event":"removed","path":"messages"}
	]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []coalesce.Rule{
		{Event: "created", Path: "messages", GroupingField: "roomId"},
		{Event: "patched", Path: "rooms", GroupingField: "id"},
		{Event: "removed", Path: "messages"},
	}
	if len(rules) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(rules))
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Fatalf("rule %d: expected %+v, got %+v", i, want[i], rules[i])
		}
	}

	if _, err := parseRules([]byte(`{"event":"created"}`)); err == nil {
		t.Fatalf("expected error for non-array rules")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "unittest")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, problems := Load("event-sync-relay", 8095)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.SyncTransport != TransportRedis || cfg.SyncTopic != "feathers-sync" {
		t.Fatalf("unexpected transport defaults: %s %s", cfg.SyncTransport, cfg.SyncTopic)
	}
	if cfg.MergeInterval != time.Second {
		t.Fatalf("expected 1s merge interval, got %s", cfg.MergeInterval)
	}
	if cfg.HTTPPort != 8095 || cfg.SubscriberBuffer != 256 || cfg.IngestBurst != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_TRANSPORT", "memory")

	cfg, problems := Load("event-sync-relay", 8095)
	if !hasProblem(problems, "ENV") {
		t.Fatalf("expected ENV problem, got %+v", problems)
	}
	if cfg.Env != "dev" {
		t.Fatalf("expected dev fallback, got %q", cfg.Env)
	}
}

func TestLoadFileThenEnvOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "staging.json")
	body := `{
		"ENV": "staging",
		"SYNC_TRANSPORT": "kafka",
		"SYNC_URI": "k1:9092, k2:9092",
		"MERGE_INTERVAL_MS": 250,
		"MERGE_RULES": [{"event":"created","path":"messages","propertyForGrouping":"roomId"}],
		"SUBSCRIBER_BUFFER": 32,
		"OTEL_ENABLED": true
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MERGE_INTERVAL_MS", "500")

	cfg, problems := Load("event-sync-relay", 8095)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.Env != "staging" || cfg.SyncTransport != TransportKafka {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if strings.Join(cfg.KafkaBrokers, ",") != "k1:9092,k2:9092" {
		t.Fatalf("expected brokers from SYNC_URI, got %v", cfg.KafkaBrokers)
	}
	if cfg.MergeInterval != 500*time.Millisecond {
		t.Fatalf("env should override file, got %s", cfg.MergeInterval)
	}
	if len(cfg.MergeRules) != 1 || cfg.MergeRules[0].GroupingField != "roomId" {
		t.Fatalf("unexpected rules: %+v", cfg.MergeRules)
	}
	if cfg.SubscriberBuffer != 32 || !cfg.OtelEnabled {
		t.Fatalf("unexpected file overlay: %+v", cfg)
	}
}

func TestLoadReportsProblems(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "unittest")
	t.Setenv("SYNC_TRANSPORT", "carrier-pigeon")
	t.Setenv("MERGE_INTERVAL_MS", "0")
	t.Setenv("MERGE_RULES", `[{"event":"created","path":"messages","grouping_field":"list"},{"path":"rooms"}]`)
	t.Setenv("HTTP_PORT", "70000")

	cfg, problems := Load("event-sync-relay", 8095)
	for _, field := range []string{"SYNC_TRANSPORT", "MERGE_INTERVAL_MS", "MERGE_RULES", "HTTP_PORT"} {
		if !hasProblem(problems, field) {
			t.Fatalf("expected %s problem, got %+v", field, problems)
		}
	}
	if cfg.MergeInterval != time.Second || cfg.HTTPPort != 8095 {
		t.Fatalf("expected defaults restored, got %s %d", cfg.MergeInterval, cfg.HTTPPort)
	}
}

func TestExplicitMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "unittest")
	t.Setenv("SYNC_TRANSPORT", "memory")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))

	_, problems := Load("event-sync-relay", 8095)
	if !hasProblem(problems, "CONFIG_PATH") {
		t.Fatalf("expected CONFIG_PATH problem, got %+v", problems)
	}
}

func TestLoadOIDC(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "unittest")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("OIDC_ISSUER", "https://id.example.com/")
	t.Setenv("OIDC_AUDIENCE", "event-sync-relay")

	cfg, problems := Load("event-sync-relay", 8095)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.OIDCJWKSURL != "https://id.example.com/.well-known/jwks.json" {
		t.Fatalf("expected derived jwks url, got %q", cfg.OIDCJWKSURL)
	}
	if cfg.JWKSTTLSeconds != 300 {
		t.Fatalf("expected default jwks ttl, got %d", cfg.JWKSTTLSeconds)
	}

	t.Setenv("OIDC_AUDIENCE", "")
	t.Setenv("JWKS_CACHE_TTL_SECONDS", "0")
	_, problems = Load("event-sync-relay", 8095)
	if !hasProblem(problems, "OIDC_ISSUER") || !hasProblem(problems, "JWKS_CACHE_TTL_SECONDS") {
		t.Fatalf("expected oidc problems, got %+v", problems)
	}
}
