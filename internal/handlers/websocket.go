package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
)

// WebSocketHandler streams orchestration events to connected clients.
// Each connection gets its own event subscription; slow clients drop
// events rather than slow the orchestrator.
type WebSocketHandler struct {
	events   interfaces.EventService
	upgrader websocket.Upgrader
	logger   arbor.ILogger
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(events interfaces.EventService, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Workers and dashboards connect from inside the deployment;
			// origin enforcement happens at the ingress
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades the connection and streams events until the
// client goes away.
// GET /api/events
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice the close handshake
	done := make(chan struct{})
	common.SafeGo(h.logger, "websocket-reader", func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	for {
		select {
		case <-done:
			h.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket write failed")
				return
			}
		}
	}
}
