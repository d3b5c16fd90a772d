package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lehigh-university-libraries/labasset/internal/workflow"
)

const eventWriteTimeout = 5 * time.Second

// HandleEvents streams workflow events over a websocket. The first message
// is the current snapshot.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.flow.Subscribe()
	defer cancel()

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())

	first := workflow.Event{Op: "state", Snapshot: h.flow.Snapshot(), Time: time.Now()}
	if err := h.send(ctx, conn, first); err != nil {
		return
	}

	h.logger.Debug("Event subscriber connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.send(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(ctx context.Context, conn *websocket.Conn, ev workflow.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	err := wsjson.Write(writeCtx, conn, ev)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Failed to send event", "error", err)
	}
	return err
}
