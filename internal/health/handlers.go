package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mxbridge/signal-provisioning/internal/app"
)

// Handlers contains HTTP handlers for health checks
type Handlers struct {
	app *app.App
}

// NewHandlers creates a new health handlers instance
func NewHandlers(app *app.App) *Handlers {
	return &Handlers{app: app}
}

// RootHandler handles the root endpoint for Docker health checks
func (h *Handlers) RootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.app.StartTime).String(),
	})
}

// HealthCheckHandler reports service health including signald connectivity.
// Always returns 200; a down signald is reported in the body so probes keep
// the process alive while it reconnects.
func (h *Handlers) HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"uptime":            time.Since(h.app.StartTime).String(),
		"signald_connected": h.app.Signal.IsConnected(),
		"timestamp":         time.Now().Format(time.RFC3339),
	})
}
