// Package server exposes the cache and the sync engine over HTTP and
// websocket.
package server

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/engine"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/logging"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/progress"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/quota"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/store"
)

// Server wires the HTTP handlers onto an echo instance.
type Server struct {
	echo     *echo.Echo
	store    *store.Store
	ledger   *quota.Ledger
	engine   *engine.Engine
	reporter *progress.Reporter

	defaultConcurrency int
}

// New creates the Server and registers all routes.
func New(st *store.Store, ledger *quota.Ledger, eng *engine.Engine, reporter *progress.Reporter, defaultConcurrency int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logging.Debug("http request", map[string]interface{}{
				"method": v.Method,
				"uri":    v.URI,
				"status": v.Status,
			})
			return nil
		},
	}))

	s := &Server{
		echo:               e,
		store:              st,
		ledger:             ledger,
		engine:             eng,
		reporter:           reporter,
		defaultConcurrency: defaultConcurrency,
	}

	api := e.Group("/api")
	api.GET("/places/:id", s.getPlace)
	api.GET("/places/:id/photos/:idx", s.getPhoto)
	api.GET("/quota", s.getQuota)
	api.GET("/stats", s.getStats)
	api.GET("/sync/ws", s.syncSocket)
	api.POST("/sync/run", s.startSync)
	api.POST("/sync/pause", s.pauseSync)
	api.POST("/sync/resume", s.resumeSync)
	api.POST("/sync/cancel", s.cancelSync)

	return s
}

// Start begins serving on addr. Blocks until Shutdown or a listen error.
func (s *Server) Start(addr string) error {
	logging.Info("http server listening", map[string]interface{}{"addr": addr})
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
