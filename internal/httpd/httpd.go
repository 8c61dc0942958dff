// Package httpd serves the daemon's HTTP surface: the websocket
// event stream and a health probe.
package httpd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/tidesync/tidesync/internal/config"
	"github.com/tidesync/tidesync/internal/version"
	"github.com/tidesync/tidesync/internal/wshub"
)

const shutdownGrace = 5 * time.Second

// Server is the HTTP front of the daemon.
type Server struct {
	cfg    *config.Config
	hub    *wshub.Hub
	engine *gin.Engine
	srv    *http.Server
}

func New(cfg *config.Config, hub *wshub.Hub) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		sloggin.NewWithConfig(slog.Default(), sloggin.Config{
			DefaultLevel:     slog.LevelDebug,
			ClientErrorLevel: slog.LevelWarn,
			ServerErrorLevel: slog.LevelError,
		}),
		gin.Recovery(),
		corsMiddleware(cfg.CORSOrigin),
	)

	s := &Server{cfg: cfg, hub: hub, engine: engine}
	s.routes()
	return s
}

func corsMiddleware(origin string) gin.HandlerFunc {
	ccfg := cors.DefaultConfig()
	if origin == "" || origin == "*" {
		ccfg.AllowAllOrigins = true
	} else {
		ccfg.AllowOrigins = []string{origin}
	}
	ccfg.AllowWebSockets = true
	return cors.New(ccfg)
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/ws", s.handleWS)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleWS(c *gin.Context) {
	if err := s.hub.Accept(c.Request.Context(), c.Writer, c.Request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// Start serves until ctx is cancelled, then drains with a short
// grace period.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.BindPort),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.srv.Shutdown(sctx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
