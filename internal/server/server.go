// Package server exposes the daemon's HTTP API: topology inspection, machine
// lifecycle operations and Prometheus metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	http *http.Server
}

func New(addr string, h *Handler, secret string, logger *slog.Logger) *Server {
	s := &http.Server{
		Addr:    addr,
		Handler: newRouter(h, secret, logger),
		// Up operations block until machines boot and provision, so the
		// write timeout must cover a full boot cycle.
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{http: s}
}

// newRouter assembles the gin engine. Health and metrics stay outside the
// authenticated group so probes and scrapers need no secret.
func newRouter(h *Handler, secret string, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggingMiddleware(logger))

	router.GET("/healthz", h.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("/", AuthMiddleware(secret, logger))
	h.RegisterRoutes(authed)

	return router
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
