package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/okian/scoreboard/internal/adapters/broadcast"
	"github.com/okian/scoreboard/pkg/logger"
)

// StreamDependencies defines the interface for live leaderboard pushes.
type StreamDependencies interface {
	Subscribe(ctx context.Context, sub broadcast.Subscriber) error
	Unsubscribe(id string)
}

// StreamHandler upgrades GET /ws to a websocket subscriber.
type StreamHandler struct {
	deps     StreamDependencies
	upgrader websocket.Upgrader
	logger   logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(deps StreamDependencies, upgrader websocket.Upgrader, l logger.Logger) *StreamHandler {
	return &StreamHandler{deps: deps, upgrader: upgrader, logger: l}
}

// HandleStream handles GET /ws requests. It blocks until the peer goes
// away or the hub closes the subscriber.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Debug(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	sub := broadcast.NewWSSubscriber(conn)
	ctx := r.Context()

	if err := h.deps.Subscribe(ctx, sub); err != nil {
		h.logger.Warn(ctx, "subscribe failed", logger.String("subscriber_id", sub.ID()), logger.Error(err))
		_, body := errorBody(err)
		_ = sub.Send(ctx, broadcast.ErrorMessage{Code: body.Code, Message: body.Message})
		_ = sub.Close()
		return
	}
	defer func() {
		h.deps.Unsubscribe(sub.ID())
		_ = sub.Close()
	}()

	if err := sub.ReadLoop(); err != nil {
		h.logger.Debug(ctx, "subscriber disconnected", logger.String("subscriber_id", sub.ID()), logger.Error(err))
	}
}
