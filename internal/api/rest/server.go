package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/api/websocket"
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/interfaces"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/KevinKickass/OpenBeamlineCore/internal/system"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server is the read-only operator API. It serves status, topology, run
// history and metrics, and streams run events over a WebSocket. Nothing
// it exposes moves hardware.
type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
	wsHub  *websocket.Hub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
		wsHub:  websocket.NewHub(logger.Named("ws")),
	}
	s.wsHub.SetStatusProvider(func() any { return lm.Status() })

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins streaming events and serves HTTP in the background.
func (s *Server) Start() error {
	s.startStreaming()

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the HTTP server and the event stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return err
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// startStreaming runs the hub and forwards run events and status changes
// to it. Subscriptions are taken before it returns.
func (s *Server) startStreaming() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	streamer := s.lm.Recorder().Streamer()
	events := streamer.SubscribeAll()
	statuses := s.lm.SubscribeStatus()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		defer streamer.Unsubscribe(uuid.Nil, events)
		defer s.lm.UnsubscribeStatus(statuses)
		s.forward(ctx, events, statuses)
	}()
}

func (s *Server) forward(ctx context.Context, events <-chan *procedure.EventRecord, statuses <-chan system.SystemStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.wsHub.Broadcast(websocket.NewRunEventMessage(event))
		case status, ok := <-statuses:
			if !ok {
				return
			}
			s.wsHub.Broadcast(websocket.NewSystemStatusMessage(status))
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)
	if collector := s.lm.Collector(); collector != nil {
		s.router.GET("/metrics", gin.WrapH(collector.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getSystemStatus)
		v1.GET("/topology", s.getTopology)
		v1.GET("/points", s.listPoints)
		v1.GET("/devices", s.listDevices)

		runs := v1.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.GET("/running", s.listRunningRuns)
			runs.GET("/:id", s.getRun)
		}

		ws := v1.Group("/ws")
		{
			ws.GET("/events", s.wsEvents)
			ws.GET("/status", s.wsStatus)
		}
	}
}

func (s *Server) wsEvents(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.lm.Status().State,
		"timestamp": time.Now().Unix(),
	})
}
