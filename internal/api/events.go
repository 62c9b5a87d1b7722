package api

import (
	"go.uber.org/zap"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/courier/internal/events"
	"github.com/lalith-99/courier/internal/middleware"
)

// EventsHandler exposes the WebSocket endpoint. All routing logic
// lives in the hub; this is just the upgrade point behind auth.
type EventsHandler struct {
	hub    *events.Hub
	logger *zap.Logger
}

func NewEventsHandler(hub *events.Hub, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, logger: logger}
}

// Connect handles GET /v1/events/ws.
func (h *EventsHandler) Connect(c *gin.Context) {
	h.hub.Serve(c, middleware.GetTenantID(c), middleware.GetUserID(c))
}
