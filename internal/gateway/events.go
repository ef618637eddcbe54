package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/basket/taskdag/internal/bus"
	"github.com/basket/taskdag/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// eventMessage is one frame of the /api/events stream.
type eventMessage struct {
	Topic string         `json:"topic"`
	Event bus.GraphEvent `json:"event"`
}

// handleEvents streams the caller's graph events over a websocket until the
// client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeDetail(w, http.StatusServiceUnavailable, "Event stream unavailable")
		return
	}
	// Subscribe before the upgrade completes so no event published after the
	// handshake is missed.
	sub := s.cfg.Bus.SubscribeSession(shared.SessionID(r.Context()))
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the library.
		OriginPatterns: s.cfg.CORS.AllowedOrigins,
	})
	if err != nil {
		s.cfg.Logger.InfoContext(r.Context(), "events: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	s.cfg.Metrics.EventStreams.Add(r.Context(), 1)
	defer s.cfg.Metrics.EventStreams.Add(context.WithoutCancel(r.Context()), -1)
	s.cfg.Logger.InfoContext(r.Context(), "events: client connected")

	// The stream is server to client only; CloseRead discards inbound
	// frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.InfoContext(r.Context(), "events: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			ge, _ := ev.Payload.(bus.GraphEvent)
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, eventMessage{Topic: ev.Topic, Event: ge})
			cancel()
			if err != nil {
				s.cfg.Logger.InfoContext(r.Context(), "events: write failed", "error", err)
				return
			}
		}
	}
}
