package http

import (
	"net/http"
	"time"

	"rendezvous/internal/infrastructure/monitoring"
	"rendezvous/pkg/utils"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker *monitoring.HealthChecker
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker, started: time.Now()}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Live)
	router.GET("/ready", h.Ready)
}

// Live reports that the process is serving
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    utils.FormatDuration(time.Since(h.started)),
		"timestamp": utils.FormatTimestamp(time.Now()),
	})
}

// Ready runs every registered check and reports 503 if any fails
func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
