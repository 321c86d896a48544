// Package api is the HTTP and websocket surface: gin routes, JWT auth,
// controllers over the domain services, and the fan-out hub.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"botcore/internal/bots"
	"botcore/internal/gateway"
	"botcore/internal/jobs"
	"botcore/internal/monitor"
	"botcore/internal/orders"
	"botcore/internal/portfolio"
	"botcore/pkg/config"
	"botcore/pkg/db"
)

// Server bundles the domain services behind the HTTP surface.
type Server struct {
	cfg         *config.Config
	store       *db.Database
	auth        *Auth
	connections *gateway.ConnectionService
	orders      *orders.Service
	bots        *bots.Manager
	queue       *jobs.Queue
	metrics     *monitor.Collector
	portfolios  *portfolio.Tracker
	hub         *Hub

	http *http.Server
}

func NewServer(cfg *config.Config, store *db.Database, auth *Auth,
	connections *gateway.ConnectionService, orderSvc *orders.Service,
	manager *bots.Manager, queue *jobs.Queue, metrics *monitor.Collector,
	portfolios *portfolio.Tracker, hub *Hub) *Server {
	return &Server{
		cfg:         cfg,
		store:       store,
		auth:        auth,
		connections: connections,
		orders:      orderSvc,
		bots:        manager,
		queue:       queue,
		metrics:     metrics,
		portfolios:  portfolios,
		hub:         hub,
	}
}

// Router builds the gin engine with the full route table.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), cors(s.cfg.CORSOrigins), rateLimit(50, 100))

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		auth := api.Group("/auth")
		auth.POST("/register", s.handleRegister)
		auth.POST("/login", s.handleLogin)
		auth.POST("/refresh", s.handleRefresh)

		authed := api.Group("", requireAuth(s.auth))
		{
			conns := authed.Group("/exchanges/connections")
			conns.POST("", s.handleCreateConnection)
			conns.GET("", s.handleListConnections)
			conns.GET("/:id", s.handleGetConnection)
			conns.PATCH("/:id", s.handleRenameConnection)
			conns.DELETE("/:id", s.handleDeleteConnection)
			conns.POST("/:id/test", s.handleTestConnection)

			ord := authed.Group("/orders")
			ord.POST("", s.handleCreateOrder)
			ord.GET("", s.handleListOrders)
			ord.GET("/:id", s.handleGetOrder)
			ord.DELETE("/:id", s.handleCancelOrder)
			ord.PATCH("/:id", s.handleModifyOrder)

			bot := authed.Group("/bots")
			bot.POST("", s.handleCreateBot)
			bot.GET("", s.handleListBots)
			bot.GET("/:id", s.handleGetBot)
			bot.PATCH("/:id", s.handleUpdateBot)
			bot.DELETE("/:id", s.handleDeleteBot)
			bot.POST("/:id/start", s.handleStartBot)
			bot.POST("/:id/stop", s.handleStopBot)
			bot.POST("/:id/pause", s.handleStopBot) // pause and stop share semantics
			bot.POST("/:id/resume", s.handleStartBot)

			authed.GET("/portfolio", s.handlePortfolio)

			authed.GET("/system/status", s.handleSystemStatus)
			authed.GET("/metrics", s.handleMetrics)
		}
	}

	r.GET("/ws", s.handleWebsocket)
	return r
}

// Start runs the HTTP server until the listener fails.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("api: listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running_bots": s.bots.RunningIDs(),
		"queue":        s.queue.Stats(),
		"sessions":     s.hub.SessionCount(),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// ---- auth handlers ----

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	user, pair, err := s.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": user.ID, "email": user.Email, "tokens": pair})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	user, pair, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "email": user.Email, "tokens": pair})
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	pair, err := s.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": pair})
}
