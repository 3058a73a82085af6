package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mxbridge/signal-provisioning/internal/app"
	"github.com/mxbridge/signal-provisioning/internal/config"
	"github.com/mxbridge/signal-provisioning/internal/middleware"
)

// Server represents the HTTP server
type Server struct {
	router *gin.Engine
	srv    *http.Server
	app    *app.App
	config *config.Config
}

// NewServer creates a new server instance
func NewServer(app *app.App, config *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logging(app.Log))
	r.Use(middleware.Prometheus())
	r.Use(cors.New(config.GetCorsConfig()))

	return &Server{
		router: r,
		app:    app,
		config: config,
	}
}

// Router returns the gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:    ":" + s.config.ServerPort,
		Handler: s.router,
	}

	go func() {
		s.app.Log.Info().Str("port", s.config.ServerPort).Msg("Provisioning API listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.app.Log.Error().Err(err).Msg("Server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.app.Log.Info().Msg("Shutting down server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.app.Log.Info().Msg("Server exited")
	return nil
}
