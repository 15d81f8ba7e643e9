package api

import (
	"net/http"

	"event-sync-relay/shared/httpx"
	"event-sync-relay/shared/syncx"
)

type statusResponse struct {
	Status      string       `json:"status"`
	Service     string       `json:"service"`
	Env         string       `json:"env,omitempty"`
	Version     string       `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	Topic       string       `json:"topic,omitempty"`
	Relay       *syncx.Stats `json:"relay,omitempty"`
	Subscribers *int         `json:"subscribers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Service: s.cfg.ServiceName,
		Env:     s.cfg.Env,
		Version: s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(s.problems) > 0 {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
			"service not ready: invalid configuration",
			map[string]any{"problems": s.problems},
		)
		return
	}
	if s.relay == nil || !s.relay.IsReady() {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
			"service not ready: sync subscription not confirmed",
			map[string]any{"problem": "sync_not_ready"},
		)
		return
	}
	stats := s.relay.Stats()
	subscribers := 0
	if s.hub != nil {
		subscribers = s.hub.Len()
	}
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Status:      "ready",
		Service:     s.cfg.ServiceName,
		Env:         s.cfg.Env,
		Version:     s.version,
		Transport:   s.cfg.SyncTransport,
		Topic:       s.cfg.SyncTopic,
		Relay:       &stats,
		Subscribers: &subscribers,
	})
}
