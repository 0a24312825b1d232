package websocket

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/masshaul/masshaul/internal/auth"
	"github.com/masshaul/masshaul/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The endpoint is token-gated; origin checks add nothing for a
		// non-browser operator UI.
		return true
	},
}

// Handler handles WebSocket connections.
type Handler struct {
	hub         *Hub
	authService *auth.Service
	log         *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, authService *auth.Service) *Handler {
	return &Handler{
		hub:         hub,
		authService: authService,
		log:         logger.Default().WithComponent("websocket"),
	}
}

// ServeWS handles WebSocket requests from clients.
// Authentication is done via query parameter: ?token=<jwt_token>
// This is necessary because browser WebSocket API doesn't support custom headers.
// An optional ?job_id= narrows the stream to one job.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, `{"code":"UNAUTHORIZED","message":"missing token parameter"}`, http.StatusUnauthorized)
		return
	}

	if _, err := h.authService.ValidateToken(token); err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			http.Error(w, `{"code":"TOKEN_EXPIRED","message":"access token has expired"}`, http.StatusUnauthorized)
			return
		}
		http.Error(w, `{"code":"UNAUTHORIZED","message":"invalid access token"}`, http.StatusUnauthorized)
		return
	}

	jobID := r.URL.Query().Get("job_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := NewClient(h.hub, conn, jobID)
	h.hub.register <- client

	// Start the client's read and write pumps
	go client.WritePump()
	go client.ReadPump()
}

// GetHub returns the hub instance for external access.
func (h *Handler) GetHub() *Hub {
	return h.hub
}
