package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mxbridge/signal-provisioning/internal/health"
	"github.com/mxbridge/signal-provisioning/internal/provisioning"
)

// SetupRoutes configures all the routes for the application
func (s *Server) SetupRoutes() {
	// Register health check handlers
	healthHandlers := health.NewHandlers(s.app)
	s.router.GET("/", healthHandlers.RootHandler)
	s.router.GET("/health", healthHandlers.HealthCheckHandler)

	// Metrics endpoint
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Register provisioning handlers
	p := provisioning.NewHandlers(s.app)

	// Whoami
	s.router.GET("/v1/api/whoami", p.WhoAmIHandler)
	s.router.GET("/v2/whoami", p.WhoAmIHandler)

	// Logout
	s.router.POST("/v1/api/logout", p.LogoutHandler)
	s.router.POST("/v2/logout", p.LogoutHandler)

	// Link API (will be deprecated soon)
	s.router.POST("/v1/api/link", p.LinkHandler)
	s.router.POST("/v1/api/link/wait", p.LinkWaitHandler)

	// New Login API
	s.router.POST("/v2/link/new", p.LinkNewHandler)
	s.router.POST("/v2/link/wait/scan", p.LinkWaitForScanHandler)
	s.router.POST("/v2/link/wait/account", p.LinkWaitForAccountHandler)
}
