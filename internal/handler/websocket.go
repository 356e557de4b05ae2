package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamExecution upgrades to a websocket and forwards a session's output
// chunks as they are produced. A subscriber attaching mid-run first gets
// the buffered backlog; the socket closes when the session reaches a
// terminal status.
func (h *Handler) StreamExecution(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	b, ok := h.hub.Get(sessionID)
	if !ok {
		h.sendError(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so close/ping handling keeps working; incoming
	// data is not part of the protocol.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for chunk := range b.Subscribe(r.Context()) {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(chunk); err != nil {
			h.logger.WithError(err).Debug("Stream subscriber went away")
			return
		}
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"),
		time.Now().Add(time.Second))
}
