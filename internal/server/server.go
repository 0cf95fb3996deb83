// Package server exposes the admin surface: the operator console,
// status, health, and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/calltrace/cadence/internal/config"
	"github.com/calltrace/cadence/internal/console"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewEngine builds the gin engine.
func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// Server wires the admin routes.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	engine  *gin.Engine
	console *console.Console
}

// New constructs the admin server.
func New(cfg config.Config, log *zap.Logger, engine *gin.Engine, cons *console.Console) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log.Named("admin.server"),
		engine:  engine,
		console: cons,
	}
	s.registerRoutes()
	return s
}

type cliRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.GET("/status", func(c *gin.Context) {
		c.String(http.StatusOK, s.console.Status())
	})

	s.engine.POST("/cli", func(c *gin.Context) {
		var req cliRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		out, err := s.console.Execute(req.Command)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.String(http.StatusOK, out)
	})
}

// RunHTTP starts the listener under the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("admin server listening", zap.String("addr", cfg.AdminAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("admin server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("admin.server",
	fx.Provide(NewEngine),
	fx.Provide(New),
	fx.Invoke(RunHTTP),
)
