package ports

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type PresenceHandler interface {
	SetupRoutes(router *gin.Engine)
	ListParticipants(c *gin.Context)
	GetParticipant(c *gin.Context)
	ListConnections(c *gin.Context)
	GetLog(c *gin.Context)
	ListSessions(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}
