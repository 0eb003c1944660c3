// Package server exposes the HTTP API and websocket notification feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mantonx/convertra/internal/config"
	"github.com/mantonx/convertra/internal/downloads"
	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/queue"
	"github.com/mantonx/convertra/internal/space"
	"github.com/mantonx/convertra/internal/taskstore"
	"github.com/mantonx/convertra/internal/transcoder"
)

// Server wires the HTTP surface to the conversion subsystems.
type Server struct {
	cfg        func() *config.Config
	store      *taskstore.Store
	bus        *events.Bus
	gov        *space.Governor
	dispatcher *queue.Dispatcher
	runner     *transcoder.Runner
	tracker    *downloads.Tracker
	logger     hclog.Logger

	engine *gin.Engine
	http   *http.Server
}

// New assembles the server and its routes.
func New(cfg func() *config.Config, store *taskstore.Store, bus *events.Bus, gov *space.Governor,
	dispatcher *queue.Dispatcher, runner *transcoder.Runner, tracker *downloads.Tracker, logger hclog.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		gov:        gov,
		dispatcher: dispatcher,
		runner:     runner,
		tracker:    tracker,
		logger:     logger.Named("server"),
		engine:     gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Engine exposes the router, used by tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.handleWebsocket)

	api := s.engine.Group("/api")
	{
		api.POST("/jobs", s.handleCreateJob)
		api.GET("/jobs", s.handleListJobs)
		api.GET("/jobs/:id", s.handleGetJob)
		api.POST("/jobs/:id/cancel", s.handleCancelJob)
		api.DELETE("/jobs/:id", s.handleDeleteJob)
		api.GET("/jobs/:id/output", s.handleDownloadOutput)
		api.GET("/running", s.handleRunningJobs)

		api.POST("/batches", s.handleRegisterBatch)

		api.GET("/space", s.handleSpace)
		api.POST("/cleanup", s.handleCleanup)
	}
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg().Server
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// apiResponse is the envelope every endpoint answers with.
type apiResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	ErrorType string      `json:"errorType,omitempty"`
}

func respondOK(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: data, Message: message})
}

func respondError(c *gin.Context, status int, errorType, message string) {
	c.JSON(status, apiResponse{Success: false, ErrorType: errorType, Message: message})
}
