package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"event-sync-relay/shared/coalesce"
	"event-sync-relay/shared/events"
)

const (
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	SyncTransport    string
	SyncURI          string
	SyncTopic        string
	MergeRules       []coalesce.Rule
	MergeIntervalMS  int
	MergeInterval    time.Duration
	SubscriberBuffer int
	IngestRPS        float64
	IngestBurst      int
	AuthSecret       string
	JWTClockSkewSec  int
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	KafkaBrokers     []string
	KafkaClientID    string
	KafkaGroupID     string
	KafkaRetryMax    int
	KafkaWriteMS     int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelSampleRatio  float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:              envRaw,
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		ConfigPath:       strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		SyncTransport:    TransportRedis,
		SyncTopic:        events.DefaultTopic,
		MergeIntervalMS:  int(coalesce.DefaultInterval / time.Millisecond),
		SubscriberBuffer: 256,
		IngestRPS:        50,
		IngestBurst:      100,
		JWTClockSkewSec:  60,
		JWKSTTLSeconds:   300,
		KafkaRetryMax:    5,
		KafkaWriteMS:     5000,
		OtelInsecure:     true,
		OtelSampleRatio:  1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	problems = append(problems, validate(&cfg, httpPortDefault)...)
	return cfg, problems
}

// validate normalizes cfg in place, replacing bad values with defaults.
func validate(cfg *Config, httpPortDefault int) []Problem {
	var problems []Problem
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}

	cfg.SyncTransport = strings.ToLower(strings.TrimSpace(cfg.SyncTransport))
	switch cfg.SyncTransport {
	case TransportRedis:
		if cfg.SyncURI == "" && cfg.RedisAddr == "" {
			problems = append(problems, Problem{Field: "SYNC_URI", Message: "SYNC_URI or REDIS_ADDR is required for the redis transport"})
		}
	case TransportKafka:
		if cfg.SyncURI != "" {
			cfg.KafkaBrokers = parseCSV(cfg.SyncURI)
		}
		if len(cfg.KafkaBrokers) == 0 {
			problems = append(problems, Problem{Field: "KAFKA_BROKERS", Message: "SYNC_URI or KAFKA_BROKERS is required for the kafka transport"})
		}
	case TransportMemory:
	default:
		problems = append(problems, Problem{Field: "SYNC_TRANSPORT", Message: "SYNC_TRANSPORT must be redis, kafka or memory"})
		cfg.SyncTransport = TransportRedis
	}

	if strings.TrimSpace(cfg.SyncTopic) == "" {
		problems = append(problems, Problem{Field: "SYNC_TOPIC", Message: "SYNC_TOPIC must not be empty"})
		cfg.SyncTopic = events.DefaultTopic
	}
	if err := coalesce.ValidateRules(cfg.MergeRules); err != nil {
		problems = append(problems, Problem{Field: "MERGE_RULES", Message: err.Error()})
	}
	if cfg.MergeIntervalMS <= 0 {
		problems = append(problems, Problem{Field: "MERGE_INTERVAL_MS", Message: "MERGE_INTERVAL_MS must be > 0"})
		cfg.MergeIntervalMS = int(coalesce.DefaultInterval / time.Millisecond)
	}
	cfg.MergeInterval = time.Duration(cfg.MergeIntervalMS) * time.Millisecond
	if cfg.SubscriberBuffer <= 0 {
		problems = append(problems, Problem{Field: "SUBSCRIBER_BUFFER", Message: "SUBSCRIBER_BUFFER must be > 0"})
		cfg.SubscriberBuffer = 256
	}
	if cfg.IngestRPS <= 0 {
		problems = append(problems, Problem{Field: "INGEST_RPS", Message: "INGEST_RPS must be > 0"})
		cfg.IngestRPS = 50
	}
	if cfg.IngestBurst <= 0 {
		problems = append(problems, Problem{Field: "INGEST_BURST", Message: "INGEST_BURST must be > 0"})
		cfg.IngestBurst = 100
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if (cfg.OIDCIssuer == "") != (cfg.OIDCAudience == "") {
		problems = append(problems, Problem{Field: "OIDC_ISSUER", Message: "OIDC_ISSUER and OIDC_AUDIENCE must be set together"})
	}
	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	return problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_TRANSPORT")); v != "" {
		cfg.SyncTransport = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_URI")); v != "" {
		cfg.SyncURI = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_TOPIC")); v != "" {
		cfg.SyncTopic = v
	}
	if v := strings.TrimSpace(os.Getenv("MERGE_RULES")); v != "" {
		rules, err := parseRules([]byte(v))
		if err != nil {
			*problems = append(*problems, Problem{Field: "MERGE_RULES", Message: err.Error()})
		} else {
			cfg.MergeRules = rules
		}
	}
	envInt(&cfg.MergeIntervalMS, "MERGE_INTERVAL_MS", problems)
	envInt(&cfg.SubscriberBuffer, "SUBSCRIBER_BUFFER", problems)
	if v := strings.TrimSpace(os.Getenv("INGEST_RPS")); v != "" {
		if f, ok := asFloat(v); ok {
			cfg.IngestRPS = f
		} else {
			*problems = append(*problems, Problem{Field: "INGEST_RPS", Message: "INGEST_RPS must be a number"})
		}
	}
	envInt(&cfg.IngestBurst, "INGEST_BURST", problems)
	if v := os.Getenv("SYNC_AUTH_SECRET"); strings.TrimSpace(v) != "" {
		cfg.AuthSecret = v
	}
	envInt(&cfg.JWTClockSkewSec, "JWT_CLOCK_SKEW_SECONDS", problems)
	if v := strings.TrimSpace(os.Getenv("OIDC_ISSUER")); v != "" {
		cfg.OIDCIssuer = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")); v != "" {
		cfg.OIDCAudience = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")); v != "" {
		cfg.OIDCJWKSURL = v
	}
	envInt(&cfg.JWKSTTLSeconds, "JWKS_CACHE_TTL_SECONDS", problems)

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")); v != "" {
		cfg.KafkaClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")); v != "" {
		cfg.KafkaGroupID = v
	}
	envInt(&cfg.KafkaRetryMax, "KAFKA_RETRY_MAX", problems)
	envInt(&cfg.KafkaWriteMS, "KAFKA_WRITE_TIMEOUT_MS", problems)

	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	envInt(&cfg.RedisDB, "REDIS_DB", problems)

	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelEnabled = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_ENABLED", Message: "OTEL_ENABLED must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OtelEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelInsecure = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_EXPORTER_OTLP_INSECURE", Message: "OTEL_EXPORTER_OTLP_INSECURE must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		if f, ok := asFloat(v); ok {
			cfg.OtelSampleRatio = f
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		}
	}
}

func envInt(dst *int, key string, problems *[]Problem) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = n
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
		case "SERVICE_NAME":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.ServiceName = strings.TrimSpace(s)
			}
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		case "LOG_LEVEL":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.LogLevel = strings.TrimSpace(s)
			}
		case "SYNC_TRANSPORT":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.SyncTransport = strings.TrimSpace(s)
			}
		case "SYNC_URI":
			if s, ok := v.(string); ok {
				cfg.SyncURI = strings.TrimSpace(s)
			}
		case "SYNC_TOPIC":
			if s, ok := v.(string); ok {
				cfg.SyncTopic = strings.TrimSpace(s)
			}
		case "MERGE_RULES":
			var b []byte
			if s, ok := v.(string); ok {
				b = []byte(s)
			} else {
				b, _ = json.Marshal(v)
			}
			rules, err := parseRules(b)
			if err != nil {
				*problems = append(*problems, Problem{Field: "MERGE_RULES", Message: err.Error()})
			} else {
				cfg.MergeRules = rules
			}
		case "MERGE_INTERVAL_MS", "SUBSCRIBER_BUFFER", "INGEST_BURST", "JWT_CLOCK_SKEW_SECONDS",
			"JWKS_CACHE_TTL_SECONDS", "KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS", "REDIS_DB":
			n, ok := asInt(v)
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
				continue
			}
			*intField(cfg, key) = n
		case "INGEST_RPS":
			f, ok := asFloat(v)
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: "INGEST_RPS must be a number"})
			} else {
				cfg.IngestRPS = f
			}
		case "SYNC_AUTH_SECRET":
			if s, ok := v.(string); ok {
				cfg.AuthSecret = s
			}
		case "OIDC_ISSUER":
			if s, ok := v.(string); ok {
				cfg.OIDCIssuer = strings.TrimSpace(s)
			}
		case "OIDC_AUDIENCE":
			if s, ok := v.(string); ok {
				cfg.OIDCAudience = strings.TrimSpace(s)
			}
		case "OIDC_JWKS_URL":
			if s, ok := v.(string); ok {
				cfg.OIDCJWKSURL = strings.TrimSpace(s)
			}
		case "KAFKA_BROKERS":
			if s, ok := v.(string); ok {
				cfg.KafkaBrokers = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.KafkaBrokers = parseAnyCSV(arr)
			}
		case "KAFKA_CLIENT_ID":
			if s, ok := v.(string); ok {
				cfg.KafkaClientID = strings.TrimSpace(s)
			}
		case "KAFKA_CONSUMER_GROUP":
			if s, ok := v.(string); ok {
				cfg.KafkaGroupID = strings.TrimSpace(s)
			}
		case "REDIS_ADDR":
			if s, ok := v.(string); ok {
				cfg.RedisAddr = strings.TrimSpace(s)
			}
		case "REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.RedisPassword = s
			}
		case "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_INSECURE":
			b, ok := v.(bool)
			if s, isString := v.(string); isString {
				b, ok = asBool(s)
			}
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			} else if key == "OTEL_ENABLED" {
				cfg.OtelEnabled = b
			} else {
				cfg.OtelInsecure = b
			}
		case "OTEL_EXPORTER_OTLP_ENDPOINT":
			if s, ok := v.(string); ok {
				cfg.OtelEndpoint = strings.TrimSpace(s)
			}
		case "OTEL_SAMPLE_RATIO":
			f, ok := asFloat(v)
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: "OTEL_SAMPLE_RATIO must be a number"})
			} else {
				cfg.OtelSampleRatio = f
			}
		}
	}
}

func intField(cfg *Config, key string) *int {
	switch key {
	case "MERGE_INTERVAL_MS":
		return &cfg.MergeIntervalMS
	case "SUBSCRIBER_BUFFER":
		return &cfg.SubscriberBuffer
	case "INGEST_BURST":
		return &cfg.IngestBurst
	case "JWT_CLOCK_SKEW_SECONDS":
		return &cfg.JWTClockSkewSec
	case "JWKS_CACHE_TTL_SECONDS":
		return &cfg.JWKSTTLSeconds
	case "KAFKA_RETRY_MAX":
		return &cfg.KafkaRetryMax
	case "KAFKA_WRITE_TIMEOUT_MS":
		return &cfg.KafkaWriteMS
	default:
		return &cfg.RedisDB
	}
}

// mergeRule accepts propertyForGrouping as an alias of grouping_field.
type mergeRule struct {
	Event               string `json:"event"`
	Path                string `json:"path"`
	GroupingField       string `json:"grouping_field"`
	PropertyForGrouping string `json:"propertyForGrouping"`
}

func parseRules(raw []byte) ([]coalesce.Rule, error) {
	var in []mergeRule
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("MERGE_RULES must be a JSON array of {event, path, grouping_field}: %v", err)
	}
	rules := make([]coalesce.Rule, 0, len(in))
	for _, r := range in {
		field := strings.TrimSpace(r.GroupingField)
		if field == "" {
			field = strings.TrimSpace(r.PropertyForGrouping)
		}
		rules = append(rules, coalesce.Rule{
			Event:         strings.TrimSpace(r.Event),
			Path:          strings.TrimSpace(r.Path),
			GroupingField: field,
		})
	}
	return rules, nil
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
