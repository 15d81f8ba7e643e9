// Package api is the relay's HTTP surface: health probes, the local event
// emission hook and the websocket feed of synced events.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"event-sync-relay/shared/authx"
	"event-sync-relay/shared/config"
	"event-sync-relay/shared/events"
	"event-sync-relay/shared/fanout"
	"event-sync-relay/shared/httpx"
	"event-sync-relay/shared/logx"
	"event-sync-relay/shared/syncx"
)

// Relay is the part of syncx.Relay the handlers use.
type Relay interface {
	Publish(ctx context.Context, evt events.Event) error
	IsReady() bool
	Stats() syncx.Stats
}

type Server struct {
	cfg      config.Config
	version  string
	problems []config.Problem
	relay    Relay
	hub      *fanout.Hub
	logger   logx.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, version string, problems []config.Problem, relay Relay, hub *fanout.Hub, logger logx.Logger) *Server {
	return &Server{
		cfg:      cfg,
		version:  version,
		problems: problems,
		relay:    relay,
		hub:      hub,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is read-only and guarded by bearer auth when enabled.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes registers the endpoints. limiter, when set, applies to the publish
// hook only.
func (s *Server) Routes(limiter *httpx.IPRateLimiter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("POST /v1/events", httpx.WithRateLimit(limiter, http.HandlerFunc(s.handlePublish)))
	mux.HandleFunc("GET /v1/events/ws", s.handleFeed)
	return mux
}

// Handler assembles the middleware chain around Routes. verifier, when set,
// guards everything except the probes.
func (s *Server) Handler(limiter *httpx.IPRateLimiter, verifier authx.Verifier) http.Handler {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(s.Routes(limiter), notFound)
	handler = authx.Middleware{
		Verifier: verifier,
		Skip: func(r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/readyz"
		},
	}.Wrap(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(s.logger, handler)
	handler = httpx.WithRequestLog(s.logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/readyz": true}}, handler)
	return handler
}
