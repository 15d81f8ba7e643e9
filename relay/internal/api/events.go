package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"event-sync-relay/shared/authx"
	"event-sync-relay/shared/codec"
	"event-sync-relay/shared/events"
	"event-sync-relay/shared/httpx"
)

const maxEventBytes = 1 << 20

type publishRequest struct {
	Path  string         `json:"path"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

type publishResponse struct {
	Status string `json:"status"`
	Path   string `json:"path"`
	Event  string `json:"event"`
}

// handlePublish is the host's emission hook: the event goes to every
// instance, this one included.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes))
	if err := dec.Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "body must be a JSON object {path, event, data}", nil)
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	req.Event = strings.TrimSpace(req.Event)
	var missing []string
	if req.Path == "" {
		missing = append(missing, "path")
	}
	if req.Event == "" {
		missing = append(missing, "event")
	}
	if len(missing) > 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing required fields", map[string]any{"fields": missing})
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	if s.relay == nil || !s.relay.IsReady() {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "sync subscription not confirmed", nil)
		return
	}

	evt := events.Event{Path: req.Path, Event: req.Event, Data: req.Data}
	if err := s.relay.Publish(r.Context(), evt); err != nil {
		if errors.Is(err, codec.ErrEncode) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "event cannot be encoded", nil)
			return
		}
		s.logger.Warn(r.Context(), "publish_rejected", "event not published", append(publishAttrs(r, evt),
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)...)
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "sync transport unavailable", nil)
		return
	}
	s.logger.Info(r.Context(), "event_published", "event accepted for sync", publishAttrs(r, evt)...)
	httpx.WriteJSON(w, http.StatusAccepted, publishResponse{Status: "accepted", Path: evt.Path, Event: evt.Event})
}

func publishAttrs(r *http.Request, evt events.Event) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
		slog.String("path", evt.Path),
		slog.String("sync_event", evt.Event),
	}
	if auth, ok := authx.FromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("subject", auth.Subject))
	}
	return attrs
}
