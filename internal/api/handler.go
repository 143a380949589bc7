package api

import (
	"context"
	"net/http"
	"time"

	"bot-core/internal/engine"
	"bot-core/internal/events"
	"bot-core/internal/monitor"
	"bot-core/pkg/crypto"
	"bot-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Connections stores sealed venue credentials for an account.
type Connections interface {
	AddConnection(ctx context.Context, userID, exchangeType, name string, creds crypto.Credentials, testnet bool) (*db.Connection, error)
}

// Server wires HTTP endpoints around the bot service and the event bus.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	DB          *db.Database
	Bots        engine.Service
	Connections Connections
	Metrics     *monitor.SystemMetrics
	JWTSecret   string
	limiter     *ipLimiter
}

// Options configures NewServer.
type Options struct {
	Bus            *events.Bus
	DB             *db.Database
	Bots           engine.Service
	Connections    Connections
	Metrics        *monitor.SystemMetrics
	JWTSecret      string
	RequestTimeout time.Duration
}

func NewServer(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	r := gin.New()

	s := &Server{
		Router:      r,
		Bus:         opts.Bus,
		DB:          opts.DB,
		Bots:        opts.Bots,
		Connections: opts.Connections,
		Metrics:     opts.Metrics,
		JWTSecret:   opts.JWTSecret,
		limiter:     newIPLimiter(20, 50),
	}

	// order matters: recovery first, request id before the logger
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(opts.Metrics))
	r.Use(s.limiter.Middleware())
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(monitor.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/system/metrics", s.getMetrics)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/bots", s.listBots)
			protected.POST("/bots", s.createBot)
			protected.GET("/bots/:id", s.getBot)
			protected.DELETE("/bots/:id", s.deleteBot)
			protected.POST("/bots/:id/start", s.startBot)
			protected.POST("/bots/:id/stop", s.stopBot)
			protected.POST("/bots/:id/pause", s.pauseBot)
			protected.POST("/bots/:id/resume", s.resumeBot)
			protected.PUT("/bots/:id/config", s.updateBotConfig)
			protected.GET("/bots/:id/versions", s.listBotVersions)
			protected.GET("/bots/:id/trades", s.listBotTrades)
			protected.GET("/bots/:id/events", s.listBotEvents)

			protected.GET("/trades", s.listTrades)
			protected.GET("/trades/export", s.exportTrades)

			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
			protected.DELETE("/connections/:id", s.deactivateConnection)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	if s.DB != nil {
		if err := s.DB.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getSystemStatus exposes runtime mode, venue and bot counts for the dashboard.
func (s *Server) getSystemStatus(c *gin.Context) {
	if s.Bots == nil {
		respondError(c, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", "bot service not ready")
		return
	}
	c.JSON(http.StatusOK, s.Bots.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not enabled")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// HTTPServer returns an http.Server for graceful shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
