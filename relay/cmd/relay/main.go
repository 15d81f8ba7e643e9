package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"event-sync-relay/relay/internal/api"
	"event-sync-relay/shared/authx"
	"event-sync-relay/shared/config"
	"event-sync-relay/shared/fanout"
	"event-sync-relay/shared/httpx"
	"event-sync-relay/shared/logx"
	"event-sync-relay/shared/metricsx"
	"event-sync-relay/shared/observability"
	"event-sync-relay/shared/syncx"
	"event-sync-relay/shared/transport"
	"event-sync-relay/shared/transport/kafkabus"
	"event-sync-relay/shared/transport/membus"
	"event-sync-relay/shared/transport/redisbus"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

// run owns every deferred cleanup; main only turns its error into an exit code.
func run() error {
	cfg, readyProblems := config.Load("event-sync-relay", 8095)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	instanceID := uuid.NewString()
	logger = logger.With(slog.String("instance_id", instanceID))

	metricsx.Register()

	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg, version))
		if err != nil {
			logger.Warn(context.Background(), "otel_init_failed", "tracing disabled",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	verifier, authProblems := newVerifier(cfg)
	readyProblems = append(readyProblems, authProblems...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := fanout.NewHub(logger, cfg.SubscriberBuffer)
	defer hub.Close()

	var relay *syncx.Relay
	port, err := newPort(cfg, instanceID, logger)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "SYNC_TRANSPORT", Message: err.Error()})
		logger.Error(ctx, "transport_init_failed", "sync transport init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("transport", cfg.SyncTransport),
			slog.String("error", err.Error()),
		)
	} else {
		relay = syncx.New(syncx.ConfigFrom(cfg), port, hub, logger)
		if err := relay.Start(ctx); err != nil {
			_ = relay.Close()
			logger.Error(ctx, "sync_start_failed", "sync subscription failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("transport", cfg.SyncTransport),
				slog.String("error", err.Error()),
			)
			return err
		}
		defer func() { _ = relay.Close() }()
	}

	// Keep the interface nil when there is no relay.
	var relayAPI api.Relay
	if relay != nil {
		relayAPI = relay
	}
	srv := api.NewServer(cfg, version, readyProblems, relayAPI, hub, logger)
	limiter := httpx.NewIPRateLimiter(cfg.IngestRPS, cfg.IngestBurst, 3*time.Minute)

	root := http.NewServeMux()
	root.Handle("GET /metrics", metricsx.Handler())
	root.Handle("/", srv.Handler(limiter, verifier))
	handler := metricsx.Instrument(root)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, cfg.ServiceName)
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("transport", cfg.SyncTransport),
			slog.String("topic", cfg.SyncTopic),
			slog.Int("merge_rules", len(cfg.MergeRules)),
			slog.Int("merge_interval_ms", cfg.MergeIntervalMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	// Websocket feeds are hijacked and not tracked by Shutdown; closing the
	// hub ends them.
	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	cancel()
	logger.Info(context.Background(), "service_stop", "service stopped")
	return nil
}

// newVerifier accepts OIDC tokens when an issuer is configured and relay
// tokens when a shared secret is. With neither, the API is open.
func newVerifier(cfg config.Config) (authx.Verifier, []config.Problem) {
	var (
		chain    authx.Chain
		problems []config.Problem
	)
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			problems = append(problems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			chain = append(chain, v)
		}
	}
	if cfg.AuthSecret != "" {
		v, err := authx.NewHMACVerifier(cfg.AuthSecret, cfg.JWTClockSkewSec)
		if err != nil {
			problems = append(problems, config.Problem{Field: "SYNC_AUTH_SECRET", Message: "failed to initialize token verifier"})
		} else {
			chain = append(chain, v)
		}
	}
	switch len(chain) {
	case 0:
		return nil, problems
	case 1:
		return chain[0], problems
	default:
		return chain, problems
	}
}

func newPort(cfg config.Config, instanceID string, logger logx.Logger) (transport.Port, error) {
	switch cfg.SyncTransport {
	case config.TransportRedis:
		return redisbus.New(cfg)
	case config.TransportKafka:
		return kafkabus.New(cfg, instanceID, logger.With(slog.String("component", "kafkabus")))
	case config.TransportMemory:
		return membus.NewNetwork().Connect(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.SyncTransport)
	}
}
