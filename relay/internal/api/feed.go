package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"event-sync-relay/shared/events"
	"event-sync-relay/shared/fanout"
	"event-sync-relay/shared/logx"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Peers only send control frames.
	maxMessageSize = 512
)

// handleFeed streams synced events matching the optional path and event
// query filters. buffer overrides the subscriber buffer size.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fanout.Filter{
		Path:  strings.TrimSpace(q.Get("path")),
		Event: strings.TrimSpace(q.Get("event")),
	}
	buffer := s.cfg.SubscriberBuffer
	if raw := strings.TrimSpace(q.Get("buffer")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "buffer must be a positive integer", http.StatusBadRequest)
			return
		}
		buffer = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn(r.Context(), "ws_upgrade_failed", "websocket upgrade failed",
			slog.String("error", err.Error()),
		)
		return
	}

	sub := s.hub.Subscribe(filter, buffer)
	c := &feedClient{
		ctx:  r.Context(),
		conn: conn,
		sub:  sub,
		logger: s.logger.With(
			slog.String("subscriber_id", sub.ID.String()),
			slog.String("filter_path", filter.Path),
			slog.String("filter_event", filter.Event),
		),
	}
	c.logger.Info(r.Context(), "ws_connected", "feed client connected")
	go c.writePump()
	c.readPump()
}

type feedClient struct {
	ctx    context.Context
	conn   *websocket.Conn
	sub    *fanout.Subscription
	logger logx.Logger
}

// readPump only services control frames; it returns when the peer goes away
// and then ends the subscription, which stops writePump.
func (c *feedClient) readPump() {
	defer func() {
		c.sub.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn(c.ctx, "ws_read_failed", "websocket read error", slog.String("error", err.Error()))
			}
			c.logger.Info(c.ctx, "ws_disconnected", "feed client disconnected",
				slog.Int64("dropped", c.sub.Dropped()),
			)
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.sub.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			if err := c.write(evt); err != nil {
				c.logger.Debug(c.ctx, "ws_write_failed", "failed to write event", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *feedClient) write(evt events.Event) error {
	return c.conn.WriteJSON(evt.WithoutContext())
}
